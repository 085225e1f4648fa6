package domain

type RoomID string

// RoomState is the lifecycle state of a room.
type RoomState string

const (
	RoomActive   RoomState = "active"
	RoomSleeping RoomState = "sleeping"
	RoomRemoved  RoomState = "removed"
)

type RoomInfo struct {
	ID           RoomID    `json:"id"`
	State        RoomState `json:"state"`
	Participants int       `json:"participants"`
	Tracks       int       `json:"tracks"`
}
