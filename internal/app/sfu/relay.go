package sfu

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// RTPReader is the remote end of a published track.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Relay copies packets of one published track to its sinks.
type Relay struct {
	ProducerID string
	src        RTPReader

	paused atomic.Bool

	mu    sync.RWMutex
	sinks map[string]*Sink

	cancel context.CancelFunc
	done   chan struct{}
}

func newRelay(producerID string, src RTPReader, cancel context.CancelFunc) *Relay {
	return &Relay{
		ProducerID: producerID,
		src:        src,
		sinks:      make(map[string]*Sink),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Done is closed once the read loop has returned.
func (r *Relay) Done() <-chan struct{} { return r.done }

func (r *Relay) Paused() bool { return r.paused.Load() }

// loop returns true when the source ended on its own rather than by cancel.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger, dropped func(consumerID string)) bool {
	defer close(r.done)
	for {
		if ctx.Err() != nil {
			r.closeAll()
			return false
		}
		pkt, _, err := r.src.ReadRTP()
		if err != nil {
			r.closeAll()
			if ctx.Err() != nil {
				return false
			}
			logger.Info().Err(err).Msg("source ended")
			return true
		}
		if r.paused.Load() {
			continue
		}
		r.forward(pkt, logger, dropped)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger, dropped func(consumerID string)) {
	r.mu.RLock()
	snapshot := maps.Clone(r.sinks)
	r.mu.RUnlock()

	var dirty []string
	for id, s := range snapshot {
		switch s.State() {
		case SinkClosed:
			dirty = append(dirty, id)
		case SinkPaused:
		case SinkActive:
			if err := s.write(pkt); err != nil {
				logger.Warn().Err(err).Str("consumer", id).Msg("write RTP failed, dropping sink")
				s.Close()
				dirty = append(dirty, id)
				if dropped != nil {
					dropped(id)
				}
			}
		}
	}
	if len(dirty) > 0 {
		r.remove(dirty)
	}
}

func (r *Relay) remove(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.sinks, id)
	}
}

func (r *Relay) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sinks {
		s.Close()
		delete(r.sinks, id)
	}
}

func (r *Relay) add(s *Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sinks[s.ConsumerID]; ok {
		old.Close()
	}
	r.sinks[s.ConsumerID] = s
}

func (r *Relay) sink(consumerID string) (*Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sinks[consumerID]
	return s, ok
}

func (r *Relay) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}
