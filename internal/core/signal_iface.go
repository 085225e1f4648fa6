package core

//go:generate mockgen -source=signal_iface.go -destination=mocks/signal_mock.go -package=mocks

import "errors"

// Frame is one encoded signaling message.
type Frame []byte

// SessionID identifies one signaling connection.
type SessionID string

var ErrBackpressure = errors.New("backpressure")

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
