package sfu

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

var ErrNoRelay = errors.New("no relay for producer")

type Option func(*Manager)

// WithSourceEnded is called when a published track stops delivering packets
// without being stopped through the manager.
func WithSourceEnded(fn func(producerID string)) Option {
	return func(m *Manager) { m.onSourceEnded = fn }
}

// WithSinkDropped is called when writing to a consumer fails.
func WithSinkDropped(fn func(producerID, consumerID string)) Option {
	return func(m *Manager) { m.onSinkDropped = fn }
}

// Manager owns the relays of one router, keyed by producer id.
type Manager struct {
	mu     sync.RWMutex
	relays map[string]*Relay

	onSourceEnded func(producerID string)
	onSinkDropped func(producerID, consumerID string)
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{relays: make(map[string]*Relay)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins relaying src under producerID, replacing any previous relay.
func (m *Manager) Start(ctx context.Context, producerID string, src RTPReader) *Relay {
	logger := log.With().Str("module", "sfu").Str("producer", producerID).Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := newRelay(producerID, src, cancel)

	m.mu.Lock()
	if old, ok := m.relays[producerID]; ok {
		logger.Info().Msg("replacing relay")
		old.cancel()
		old.closeAll()
	}
	m.relays[producerID] = relay
	m.mu.Unlock()

	var dropped func(string)
	if m.onSinkDropped != nil {
		dropped = func(consumerID string) { m.onSinkDropped(producerID, consumerID) }
	}
	go func() {
		ended := relay.loop(relayCtx, &logger, dropped)
		m.forget(relay)
		if ended && m.onSourceEnded != nil {
			m.onSourceEnded(producerID)
		}
	}()
	logger.Info().Msg("relay started")
	return relay
}

func (m *Manager) forget(relay *Relay) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.relays[relay.ProducerID]; ok && cur == relay {
		delete(m.relays, relay.ProducerID)
	}
}

func (m *Manager) relay(producerID string) (*Relay, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.relays[producerID]
	return r, ok
}

// Attach adds a consumer to the relay of producerID.
func (m *Manager) Attach(producerID, consumerID string, w RTPWriter) (*Sink, error) {
	r, ok := m.relay(producerID)
	if !ok {
		return nil, ErrNoRelay
	}
	s := NewSink(consumerID, w)
	r.add(s)
	return s, nil
}

// Detach marks the consumer closed; the relay drops it on the next packet.
func (m *Manager) Detach(producerID, consumerID string) {
	r, ok := m.relay(producerID)
	if !ok {
		return
	}
	if s, ok := r.sink(consumerID); ok {
		s.Close()
	}
}

// Stop cancels the relay and closes its sinks.
func (m *Manager) Stop(producerID string) {
	m.mu.Lock()
	r, ok := m.relays[producerID]
	if ok {
		delete(m.relays, producerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	r.cancel()
	r.closeAll()
	log.Info().Str("module", "sfu").Str("producer", producerID).Msg("relay stopped")
}

// StopAll stops every relay.
func (m *Manager) StopAll() {
	m.mu.Lock()
	relays := m.relays
	m.relays = make(map[string]*Relay)
	m.mu.Unlock()
	for _, r := range relays {
		r.cancel()
		r.closeAll()
	}
}

func (m *Manager) SetPaused(producerID string, paused bool) bool {
	r, ok := m.relay(producerID)
	if !ok {
		return false
	}
	r.paused.Store(paused)
	return true
}

func (m *Manager) Has(producerID string) bool {
	_, ok := m.relay(producerID)
	return ok
}

// Sinks counts the consumers attached to producerID.
func (m *Manager) Sinks(producerID string) int {
	r, ok := m.relay(producerID)
	if !ok {
		return 0
	}
	return r.count()
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.relays)
}
