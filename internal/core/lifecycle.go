package core

import (
	"context"
	"slices"
	"time"

	"github.com/looplab/fsm"

	"github.com/dkeye/Stage/internal/domain"
)

const (
	evSleep  = "sleep"
	evWake   = "wake"
	evRemove = "remove"
)

func newLifecycle(r *Room) *fsm.FSM {
	active, sleeping, removed := string(domain.RoomActive), string(domain.RoomSleeping), string(domain.RoomRemoved)
	return fsm.NewFSM(
		active,
		fsm.Events{
			{Name: evSleep, Src: []string{active}, Dst: sleeping},
			{Name: evWake, Src: []string{sleeping}, Dst: active},
			{Name: evRemove, Src: []string{active, sleeping}, Dst: removed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				from, to := domain.RoomState(e.Src), domain.RoomState(e.Dst)
				r.log.Info().Str("from", e.Src).Str("to", e.Dst).Msg("room state changed")
				if hook := r.opts.Hooks.OnStateChange; hook != nil {
					hook(r, from, to)
				}
			},
		},
	)
}

func (r *Room) stateLocked() domain.RoomState {
	return domain.RoomState(r.lifecycle.Current())
}

func (r *Room) fire(event string) {
	if err := r.lifecycle.Event(context.Background(), event); err != nil {
		r.log.Warn().Err(err).Str("event", event).Msg("lifecycle transition rejected")
	}
}

func (r *Room) armTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timerGen++
	gen := r.timerGen
	r.timer = time.AfterFunc(r.opts.ReconnectTimeout, func() { r.expire(gen) })
}

// stopTimerLocked cancels the reconnect timer. Bumping the generation also
// disarms a callback that already fired and is waiting for the lock.
func (r *Room) stopTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.timerGen++
}

func (r *Room) expire(gen uint64) {
	r.mu.Lock()
	if r.destroyed || gen != r.timerGen || r.stateLocked() != domain.RoomSleeping {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.fire(evRemove)
	r.mu.Unlock()

	r.log.Info().Dur("timeout", r.opts.ReconnectTimeout).Msg("reconnect window elapsed")
	if hook := r.opts.Hooks.OnExpire; hook != nil {
		hook(r)
		return
	}
	r.Destroy()
}

// retirePrimaryLocked tears down the primary publisher's records other than
// sid. With detachedOnly, records that still hold a connection are kept.
func (r *Room) retirePrimaryLocked(sid SessionID, detachedOnly bool) []Detached {
	var detached []Detached
	for _, p := range slices.Clone(r.participants) {
		if p.sid == sid || p.userID != r.primary || p.role != domain.RolePublisher {
			continue
		}
		if detachedOnly && !p.Detached() {
			continue
		}
		detached = append(detached, r.teardownLocked(p)...)
	}
	return detached
}

func (r *Room) wakeLocked() {
	r.stopTimerLocked()
	r.leftAt = time.Time{}
	r.fire(evWake)
}

// ReconnectPending reports whether the reconnect timer is armed.
func (r *Room) ReconnectPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}

// LeftAt is when the primary publisher dropped; zero unless sleeping.
func (r *Room) LeftAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leftAt
}

func (r *Room) PrimaryPublisher() domain.UserID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.primary
}

type LeaveResult struct {
	Found bool
	// Slept is true when the primary publisher left and the room started
	// waiting for it to come back.
	Slept    bool
	Detached []Detached
}

// Leave handles a closed connection. The primary publisher's record is kept
// detached while the room sleeps; everyone else is torn down.
func (r *Room) Leave(sid SessionID) LeaveResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return LeaveResult{}
	}
	p, ok := r.bySID[sid]
	if !ok {
		return LeaveResult{}
	}

	if p.role == domain.RolePublisher && p.userID != "" && p.userID == r.primary &&
		r.stateLocked() == domain.RoomActive {
		p.signal = nil
		r.leftAt = r.now()
		r.fire(evSleep)
		r.armTimerLocked()
		r.log.Info().Str("sid", string(sid)).Dur("timeout", r.opts.ReconnectTimeout).Msg("primary publisher left, waiting for reconnect")
		return LeaveResult{Found: true, Slept: true}
	}

	return LeaveResult{Found: true, Detached: r.teardownLocked(p)}
}

// CheckReconnect reports whether userID may reconnect right now.
func (r *Room) CheckReconnect(userID domain.UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closedLocked() && userID != "" && userID == r.primary &&
		r.stateLocked() == domain.RoomSleeping
}

type ReconnectRequest struct {
	UserID       domain.UserID
	Name         string
	Capabilities Capabilities
}

type ReconnectResult struct {
	JoinResult
	// TrackTypes are the non-audio appointments the publisher had before.
	TrackTypes []domain.Appointment
	Woke       bool
}

// Reconnect re-attaches the primary publisher on a new connection. Stale
// publisher records of the same user are torn down and a fresh transport is
// allocated. Works whether or not the room is sleeping.
func (r *Room) Reconnect(ctx context.Context, sid SessionID, sig SignalConnection, req ReconnectRequest) (ReconnectResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closedLocked() {
		return ReconnectResult{}, ErrRoomNotFound
	}
	if req.UserID == "" || req.UserID != r.primary {
		return ReconnectResult{}, ErrNotPrimaryPublisher
	}
	r.stopTimerLocked()

	var types []domain.Appointment
	for _, p := range r.participants {
		if p.userID != r.primary || p.role != domain.RolePublisher {
			continue
		}
		for _, pt := range p.owned {
			if pt.appointment != domain.AppointmentAudio && !slices.Contains(types, pt.appointment) {
				types = append(types, pt.appointment)
			}
		}
	}
	detached := r.retirePrimaryLocked(sid, false)

	res, err := r.joinLocked(ctx, sid, sig, JoinRequest{
		Role:         domain.RolePublisher,
		Name:         req.Name,
		UserID:       req.UserID,
		Capabilities: req.Capabilities,
	})
	res.Detached = append(detached, res.Detached...)
	if err != nil {
		if r.stateLocked() == domain.RoomSleeping {
			r.armTimerLocked()
		}
		return ReconnectResult{JoinResult: res}, err
	}

	woke := false
	if r.stateLocked() == domain.RoomSleeping {
		r.wakeLocked()
		woke = true
	}
	r.log.Info().Str("sid", string(sid)).Bool("woke", woke).Int("track_types", len(types)).Msg("publisher reconnected")
	return ReconnectResult{JoinResult: res, TrackTypes: types, Woke: woke}, nil
}

// Destroy releases every engine resource the room holds. Safe to call twice.
func (r *Room) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return
	}
	r.stopTimerLocked()

	for _, p := range r.participants {
		for _, s := range p.subscribed {
			r.closeSubscription(s)
		}
		p.subscribed = nil
		clear(p.sources)
	}
	for _, pt := range r.published {
		if pt.unobserve != nil {
			pt.unobserve()
		}
		if err := pt.track.Close(); err != nil {
			r.log.Warn().Err(err).Str("track", pt.track.ID()).Msg("close published track")
		}
		r.ssrcs.Release(pt.ssrcs...)
	}
	r.published = nil
	for _, p := range r.participants {
		p.owned = nil
		if p.transport != nil {
			if err := p.transport.Close(); err != nil {
				r.log.Warn().Err(err).Str("sid", string(p.sid)).Msg("close transport")
			}
			p.transport = nil
		}
	}
	if r.router != nil {
		if err := r.router.Close(); err != nil {
			r.log.Warn().Err(err).Msg("close router")
		}
	}
	if r.stateLocked() != domain.RoomRemoved {
		r.fire(evRemove)
	}
	r.participants = nil
	clear(r.bySID)
	r.destroyed = true
	r.log.Info().Msg("room destroyed")
}
