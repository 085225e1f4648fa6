package domain

import (
	"errors"
	"strings"
)

// ChatMessage is one entry of a room's append-only chat history.
type ChatMessage struct {
	ID       int64  `json:"id"`
	TimeUnix int64  `json:"timeunix"`
	Name     string `json:"name"`
	Message  string `json:"message"`
}

const MaxChatMessageLen = 2000

var (
	ErrChatMessageEmpty   = errors.New("chat message empty")
	ErrChatMessageTooLong = errors.New("chat message too long")
)

// NormalizeChatMessage trims the body and checks its length.
func NormalizeChatMessage(body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", ErrChatMessageEmpty
	}
	if len(body) > MaxChatMessageLen {
		return "", ErrChatMessageTooLong
	}
	return body, nil
}
