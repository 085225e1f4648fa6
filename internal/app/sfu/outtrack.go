package sfu

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

// RTPWriter is the local end of a subscribed track.
type RTPWriter interface {
	WriteRTP(*rtp.Packet) error
}

type SinkState int32

const (
	SinkActive SinkState = iota
	SinkPaused
	SinkClosed
)

func (s SinkState) String() string {
	switch s {
	case SinkActive:
		return "active"
	case SinkPaused:
		return "paused"
	case SinkClosed:
		return "closed"
	}
	return "unknown"
}

// Sink is one consumer of a relay.
type Sink struct {
	ConsumerID string

	w       RTPWriter
	state   atomic.Int32 // SinkActive by default
	written atomic.Uint64
}

func NewSink(consumerID string, w RTPWriter) *Sink {
	return &Sink{ConsumerID: consumerID, w: w}
}

func (s *Sink) State() SinkState {
	return SinkState(s.state.Load())
}

// Pause stops forwarding until Resume. A closed sink stays closed.
func (s *Sink) Pause() {
	s.state.CompareAndSwap(int32(SinkActive), int32(SinkPaused))
}

func (s *Sink) Resume() {
	s.state.CompareAndSwap(int32(SinkPaused), int32(SinkActive))
}

func (s *Sink) Close() {
	s.state.Store(int32(SinkClosed))
}

// Written counts packets delivered to the writer.
func (s *Sink) Written() uint64 {
	return s.written.Load()
}

func (s *Sink) write(pkt *rtp.Packet) error {
	if err := s.w.WriteRTP(pkt); err != nil {
		return err
	}
	s.written.Add(1)
	return nil
}
