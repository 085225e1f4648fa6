package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

const shutdownWorkers = 8

type sessionEntry struct {
	RoomID domain.RoomID
	Signal core.SignalConnection
	UserID domain.UserID
	Cancel context.CancelFunc
}

// Registry owns the live rooms and the connection -> room index.
type Registry struct {
	engine   core.Engine
	ssrcs    core.SSRCAllocator
	codecs   []core.CodecCapability
	roomOpts core.RoomOptions

	mu       sync.RWMutex
	rooms    map[domain.RoomID]*core.Room
	pending  map[domain.RoomID]struct{}
	sessions map[core.SessionID]*sessionEntry
}

type Option func(*Registry)

func WithCodecs(codecs []core.CodecCapability) Option {
	return func(r *Registry) { r.codecs = codecs }
}

func WithRoomOptions(opts core.RoomOptions) Option {
	return func(r *Registry) { r.roomOpts = opts }
}

func NewRegistry(engine core.Engine, ssrcs core.SSRCAllocator, opts ...Option) *Registry {
	r := &Registry{
		engine:   engine,
		ssrcs:    ssrcs,
		codecs:   core.DefaultCodecs(),
		rooms:    make(map[domain.RoomID]*core.Room),
		pending:  make(map[domain.RoomID]struct{}),
		sessions: make(map[core.SessionID]*sessionEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetRoomHooks applies to rooms created afterwards.
func (r *Registry) SetRoomHooks(h core.Hooks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roomOpts.Hooks = h
}

// Create registers a new room under id. The routing context is created
// outside the lock; the id stays reserved meanwhile.
func (r *Registry) Create(ctx context.Context, id domain.RoomID) (*core.Room, error) {
	r.mu.Lock()
	_, live := r.rooms[id]
	_, inFlight := r.pending[id]
	if live || inFlight {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", core.ErrAlreadyExists, id)
	}
	r.pending[id] = struct{}{}
	opts := r.roomOpts
	r.mu.Unlock()

	router, err := r.engine.CreateRouter(ctx, r.codecs)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
	if err != nil {
		return nil, fmt.Errorf("%w: create router: %w", core.ErrAdapterFailure, err)
	}
	room := core.NewRoom(id, router, r.ssrcs, opts)
	r.rooms[id] = room
	log.Info().Str("module", "app.registry").Str("room", string(id)).Msg("room created")
	return room, nil
}

func (r *Registry) Get(id domain.RoomID) (*core.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[id]
	return room, ok
}

// Remove unregisters and destroys the room. It reports false when no such
// room was registered.
func (r *Registry) Remove(id domain.RoomID) bool {
	r.mu.Lock()
	room, ok := r.rooms[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.rooms, id)
	for _, e := range r.sessions {
		if e.RoomID == id {
			e.RoomID = ""
		}
	}
	r.mu.Unlock()

	room.Destroy()
	log.Info().Str("module", "app.registry").Str("room", string(id)).Msg("room removed")
	return true
}

func (r *Registry) List() []domain.RoomInfo {
	r.mu.RLock()
	rooms := make([]*core.Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.RUnlock()

	out := make([]domain.RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, room.Info())
	}
	slices.SortFunc(out, func(a, b domain.RoomInfo) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Shutdown destroys every room. It returns ctx.Err() if ctx ends first;
// the remaining rooms are still destroyed in the background.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	rooms := make([]*core.Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	clear(r.rooms)
	for _, e := range r.sessions {
		e.RoomID = ""
	}
	r.mu.Unlock()

	p := pool.New().WithMaxGoroutines(shutdownWorkers)
	for _, room := range rooms {
		p.Go(room.Destroy)
	}
	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Str("module", "app.registry").Int("rooms", len(rooms)).Msg("registry shut down")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) BindSignal(sid core.SessionID, sig core.SignalConnection, user domain.UserID, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = &sessionEntry{Signal: sig, UserID: user, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("bound signal")
}

func (r *Registry) GetSession(sid core.SessionID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.Signal, true
	}
	return nil, false
}

// UserOf returns the default external user id bound to the connection.
func (r *Registry) UserOf(sid core.SessionID) domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.UserID
	}
	return ""
}

func (r *Registry) Unbind(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind session")
}

// RoomOf resolves the room the connection currently belongs to.
func (r *Registry) RoomOf(sid core.SessionID) (domain.RoomID, *core.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.sessions[sid]
	if !ok || entry.RoomID == "" {
		return "", nil, false
	}
	room, ok := r.rooms[entry.RoomID]
	if !ok {
		return entry.RoomID, nil, false
	}
	return entry.RoomID, room, true
}

func (r *Registry) UpdateRoom(sid core.SessionID, id domain.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[sid]
	if !ok {
		return false
	}
	entry.RoomID = id
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("room", string(id)).Msg("updated room")
	return true
}

func (r *Registry) RemoveRoom(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.sessions[sid]; ok {
		entry.RoomID = ""
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("removed room association")
}

// SessionsIn lists connections bound to the room.
func (r *Registry) SessionsIn(id domain.RoomID) []core.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []core.SessionID
	for sid, e := range r.sessions {
		if e.RoomID == id {
			out = append(out, sid)
		}
	}
	return out
}

// Cancel ends the connection's context, which makes its adapter close it.
func (r *Registry) Cancel(sid core.SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}
