// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const (
	MaxUserIDLen   = 64
	MaxUsernameLen = 36
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
	ErrUserIDTooLong   = errors.New("user id too long")
)

// UserID is the external participant identifier supplied by the client.
// It is not the connection identity.
type UserID string

func (id UserID) Validate() error {
	if len(id) > MaxUserIDLen {
		return ErrUserIDTooLong
	}
	return nil
}

// NormalizeName trims the display name and checks its length.
func NormalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if len(name) == 0 {
		return "", ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLen {
		return "", ErrUsernameTooLong
	}
	return name, nil
}
