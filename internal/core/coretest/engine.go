// Package coretest provides an in-memory media engine and a recording
// signaling connection for exercising rooms without network I/O.
package coretest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

var ErrClosed = errors.New("closed")

// Engine implements core.Engine. Injected errors apply to every later call.
type Engine struct {
	mu                  sync.Mutex
	seq                 int
	routers             []*Router
	tracks              map[string]*Track
	FailCreateRouter    error
	FailCreateTransport error
	FailSubscribe       error
}

func NewEngine() *Engine {
	return &Engine{tracks: make(map[string]*Track)}
}

func (e *Engine) next(prefix string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	return fmt.Sprintf("%s-%d", prefix, e.seq)
}

func (e *Engine) CreateRouter(_ context.Context, codecs []core.CodecCapability) (core.Router, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailCreateRouter != nil {
		return nil, e.FailCreateRouter
	}
	r := &Router{engine: e, caps: core.Capabilities{Codecs: codecs}}
	e.routers = append(e.routers, r)
	return r, nil
}

// Track returns a track by id, live or closed.
func (e *Engine) Track(id string) *Track {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tracks[id]
}

// LiveTracks counts tracks that are not closed.
func (e *Engine) LiveTracks() int {
	e.mu.Lock()
	tracks := make([]*Track, 0, len(e.tracks))
	for _, t := range e.tracks {
		tracks = append(tracks, t)
	}
	e.mu.Unlock()
	n := 0
	for _, t := range tracks {
		if !t.Closed() {
			n++
		}
	}
	return n
}

// ClosedRouters counts routers that were closed.
func (e *Engine) ClosedRouters() int {
	e.mu.Lock()
	routers := append([]*Router(nil), e.routers...)
	e.mu.Unlock()
	n := 0
	for _, r := range routers {
		r.mu.Lock()
		if r.closed {
			n++
		}
		r.mu.Unlock()
	}
	return n
}

func (e *Engine) failure(which *error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *which
}

type Router struct {
	engine *Engine
	caps   core.Capabilities

	mu     sync.Mutex
	closed bool
}

func (r *Router) Capabilities() core.Capabilities { return r.caps }

func (r *Router) CreateTransport(_ context.Context, ref string) (core.Transport, error) {
	if err := r.engine.failure(&r.engine.FailCreateTransport); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	id := r.engine.next("transport")
	return &Transport{router: r, id: id, ref: ref}, nil
}

func (r *Router) CanConsume(trackID string, caps core.Capabilities) bool {
	src := r.engine.Track(trackID)
	if src == nil || src.Closed() || src.source != "" {
		return false
	}
	for _, c := range r.caps.Codecs {
		if c.Kind == src.kind && caps.Supports(c) {
			return true
		}
	}
	return false
}

func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.closed = true
	return nil
}

type Transport struct {
	router *Router
	id     string
	ref    string

	mu        sync.Mutex
	connected bool
	closed    bool
	tracks    []*Track
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Descriptor() core.TransportDescriptor {
	return core.TransportDescriptor{
		ID:            t.id,
		ICEParameters: core.ICEParameters{UsernameFragment: "ufrag-" + t.id, Password: "pwd"},
		ICECandidates: []core.ICECandidate{{Foundation: "1", Address: "127.0.0.1", Port: 40000, Protocol: "udp", Type: "host"}},
		DTLSParameters: core.DTLSParameters{
			Role:         "auto",
			Fingerprints: []core.DTLSFingerprint{{Algorithm: "sha-256", Value: "00:11"}},
		},
	}
}

func (t *Transport) Connect(context.Context, core.ConnectParameters) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.connected = true
	return nil
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) add(tr *Track) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.tracks = append(t.tracks, tr)
	return nil
}

func (t *Transport) Publish(_ context.Context, params core.PublishParameters) (core.Track, error) {
	tr := newTrack(t.router.engine, t.router.engine.next("producer"), params.Kind, "", params.RTP)
	if err := t.add(tr); err != nil {
		return nil, err
	}
	return tr, nil
}

func (t *Transport) Subscribe(_ context.Context, trackID string, _ core.Capabilities) (core.Track, error) {
	if err := t.router.engine.failure(&t.router.engine.FailSubscribe); err != nil {
		return nil, err
	}
	src := t.router.engine.Track(trackID)
	if src == nil || src.Closed() {
		return nil, fmt.Errorf("source %s: %w", trackID, ErrClosed)
	}
	tr := newTrack(t.router.engine, t.router.engine.next("consumer"), src.kind, trackID, src.rtp)
	if err := t.add(tr); err != nil {
		return nil, err
	}
	src.attach(tr)
	return tr, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.closed = true
	tracks := t.tracks
	t.tracks = nil
	t.mu.Unlock()

	for _, tr := range tracks {
		_ = tr.Close()
	}
	return nil
}

// Track implements core.Track. Closing a published track closes the tracks
// subscribed to it, the way a real engine does.
type Track struct {
	engine *Engine
	id     string
	kind   domain.TrackKind
	source string
	rtp    core.RTPParameters

	mu        sync.Mutex
	paused    bool
	closed    bool
	observers map[int]func(core.TrackEvent)
	nextObs   int
	consumers []*Track
}

func newTrack(e *Engine, id string, kind domain.TrackKind, source string, rtp core.RTPParameters) *Track {
	tr := &Track{engine: e, id: id, kind: kind, source: source, rtp: rtp, observers: make(map[int]func(core.TrackEvent))}
	e.mu.Lock()
	e.tracks[id] = tr
	e.mu.Unlock()
	return tr
}

func (t *Track) ID() string                        { return t.id }
func (t *Track) Kind() domain.TrackKind            { return t.kind }
func (t *Track) SourceID() string                  { return t.source }
func (t *Track) RTPParameters() core.RTPParameters { return t.rtp }

func (t *Track) attach(consumer *Track) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consumers = append(t.consumers, consumer)
}

func (t *Track) emit(ev core.TrackEvent) {
	t.mu.Lock()
	fns := make([]func(core.TrackEvent), 0, len(t.observers))
	for _, fn := range t.observers {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (t *Track) Pause() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.paused = true
	t.mu.Unlock()
	t.emit(core.TrackPaused)
	return nil
}

func (t *Track) Resume() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.paused = false
	t.mu.Unlock()
	t.emit(core.TrackResumed)
	return nil
}

func (t *Track) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

func (t *Track) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Track) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	consumers := t.consumers
	t.consumers = nil
	t.mu.Unlock()

	t.emit(core.TrackClosed)
	for _, c := range consumers {
		_ = c.Close()
	}
	return nil
}

func (t *Track) Observe(fn func(core.TrackEvent)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextObs
	t.nextObs++
	t.observers[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.observers, id)
	}
}
