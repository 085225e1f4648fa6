package protocol

import (
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

type CreateRoomRequest struct {
	UserID          string             `json:"userId"`
	Name            string             `json:"name"`
	RTPCapabilities *core.Capabilities `json:"rtpCapabilities,omitempty"`
}

type JoinRoomRequest struct {
	RoomID          string             `json:"roomId"`
	UserID          string             `json:"userId"`
	Name            string             `json:"name"`
	RTPCapabilities *core.Capabilities `json:"rtpCapabilities,omitempty"`
}

type CreateProducerRequest struct {
	RoomID        string             `json:"roomId"`
	Kind          domain.TrackKind   `json:"kind"`
	RTPParameters core.RTPParameters `json:"rtpParameters"`
	Appointment   domain.Appointment `json:"appointment,omitempty"`
}

type ConnectTransportRequest struct {
	RoomID string `json:"roomId"`
	core.ConnectParameters
}

// RoomRequest is the payload of routes that only name a room.
type RoomRequest struct {
	RoomID string `json:"roomId"`
}

type MuteMicroRequest struct {
	RoomID string `json:"roomId"`
	Mute   bool   `json:"mute"`
}

type RemoveProducerRequest struct {
	RoomID     string `json:"roomId"`
	ProducerID string `json:"producerId"`
}

type CheckRoomRequest struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type SendMessageRequest struct {
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
}

// ReconnectRequest is shared by reconnect and restart-sfu.
type ReconnectRequest struct {
	RoomID          string             `json:"roomId"`
	UserID          string             `json:"userId"`
	Name            string             `json:"name"`
	RTPCapabilities *core.Capabilities `json:"rtpCapabilities,omitempty"`
}

// Notice is a message that carries nothing but its type.
type Notice struct {
	Type string `json:"type"`
}

type RoomCreated struct {
	Type                  string                   `json:"type"`
	RoomID                domain.RoomID            `json:"roomId"`
	TransportOptions      core.TransportDescriptor `json:"transportOptions"`
	RouterRTPCapabilities core.Capabilities        `json:"routerRtpCapabilities"`
}

type JoinedRoom struct {
	Type                  string                   `json:"type"`
	RoomID                domain.RoomID            `json:"roomId"`
	TransportOptions      core.TransportDescriptor `json:"transportOptions"`
	RouterRTPCapabilities core.Capabilities        `json:"routerRtpCapabilities"`
	Chat                  []domain.ChatMessage     `json:"chat"`
}

type TransportConnected struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ProducerCreated struct {
	Type        string             `json:"type"`
	ProducerID  string             `json:"producerId"`
	Role        domain.Role        `json:"role"`
	RoomID      domain.RoomID      `json:"roomId"`
	Appointment domain.Appointment `json:"appointment"`
	Encodings   []core.Encoding    `json:"encodings"`
}

type ProduceInfo struct {
	Type       string `json:"type"`
	ProducerID string `json:"producerId"`
}

type ConsumerParameters struct {
	ID            string             `json:"id"`
	ProducerID    string             `json:"producerId"`
	Kind          domain.TrackKind   `json:"kind"`
	RTPParameters core.RTPParameters `json:"rtpParameters"`
}

type CreateConsumer struct {
	Type               string             `json:"type"`
	ConsumerParameters ConsumerParameters `json:"consumerParameters"`
	Appointment        domain.Appointment `json:"appointment"`
}

type RoomStatus struct {
	Type      string `json:"type"`
	IsExist   bool   `json:"isExist"`
	Reconnect bool   `json:"reconnect"`
}

// Reconnected answers reconnect (startReconnect) and restart-sfu (restartedSFU).
type Reconnected struct {
	Type                  string                   `json:"type"`
	RoomID                domain.RoomID            `json:"roomId"`
	TracksType            []domain.Appointment     `json:"tracksType"`
	TransportOptions      core.TransportDescriptor `json:"transportOptions"`
	RouterRTPCapabilities core.Capabilities        `json:"routerRtpCapabilities"`
	Chat                  []domain.ChatMessage     `json:"chat"`
}

type ProducerRemoved struct {
	Type       string `json:"type"`
	ProducerID string `json:"producerId"`
}

type RoomRemoved struct {
	Type   string        `json:"type"`
	RoomID domain.RoomID `json:"roomId"`
}

type MessageSent struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

type Error struct {
	Type    string `json:"type"`
	Route   string `json:"route,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

type Mute struct {
	Type string `json:"type"`
	Mute bool   `json:"mute"`
}

type UpdateChat struct {
	Type    string             `json:"type"`
	NewMess domain.ChatMessage `json:"newMess"`
}

type OffTrack struct {
	Type       string `json:"type"`
	ProducerID string `json:"producerId"`
	ConsumerID string `json:"consumerId"`
}
