package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Stage/internal/domain"
)

const DefaultReconnectTimeout = 15 * time.Second

// SSRCAllocator hands out SSRCs that are unique among live encodings.
type SSRCAllocator interface {
	Acquire() (uint32, error)
	Release(ssrcs ...uint32)
}

// Hooks are invoked outside the room lock unless stated otherwise.
type Hooks struct {
	// OnExpire runs when the reconnect window elapsed; the room is already
	// in the removed state and expects to be destroyed.
	OnExpire func(r *Room)
	// OnTrackEnded runs when the engine closed a subscribed track on its own.
	OnTrackEnded func(r *Room, d Detached)
	// OnStateChange runs under the room lock and must not call back into the room.
	OnStateChange func(r *Room, from, to domain.RoomState)
}

type RoomOptions struct {
	ReconnectTimeout time.Duration
	Hooks            Hooks
}

// Detached describes a subscription that ended because its source went away.
type Detached struct {
	Subscriber SessionID
	TrackID    string
	SourceID   string
}

type JoinRequest struct {
	Role         domain.Role
	Name         string
	UserID       domain.UserID
	Capabilities Capabilities
}

type JoinResult struct {
	Transport          TransportDescriptor
	RouterCapabilities Capabilities
	Chat               []domain.ChatMessage
	// Detached lists subscriptions of other participants that ended because
	// this participant's previous tracks were torn down.
	Detached []Detached
}

type PublishRequest struct {
	Kind        domain.TrackKind
	RTP         RTPParameters
	Appointment domain.Appointment
}

type PublishResult struct {
	TrackID     string
	Kind        domain.TrackKind
	Appointment domain.Appointment
	RTP         RTPParameters
	// Detached lists subscriptions that ended because publishing woke the
	// room and the primary publisher's previous records were torn down.
	Detached []Detached
}

type Subscription struct {
	TrackID     string
	SourceID    string
	Kind        domain.TrackKind
	Appointment domain.Appointment
	RTP         RTPParameters
}

type BroadcastResult struct {
	Sent    int
	Dropped []ParticipantDTO
}

// Room is the aggregate root of one session. Every mutation runs under mu,
// including the media engine calls it makes.
type Room struct {
	id     domain.RoomID
	router Router
	ssrcs  SSRCAllocator
	opts   RoomOptions
	log    zerolog.Logger
	now    func() time.Time

	mu           sync.Mutex
	lifecycle    *fsm.FSM
	participants []*Participant
	bySID        map[SessionID]*Participant
	published    []*publishedTrack
	chat         []domain.ChatMessage
	primary      domain.UserID
	leftAt       time.Time
	timer        *time.Timer
	timerGen     uint64
	destroyed    bool
}

func NewRoom(id domain.RoomID, router Router, ssrcs SSRCAllocator, opts RoomOptions) *Room {
	if opts.ReconnectTimeout <= 0 {
		opts.ReconnectTimeout = DefaultReconnectTimeout
	}
	r := &Room{
		id:     id,
		router: router,
		ssrcs:  ssrcs,
		opts:   opts,
		log:    log.With().Str("module", "core.room").Str("room", string(id)).Logger(),
		now:    time.Now,
		bySID:  make(map[SessionID]*Participant),
	}
	r.lifecycle = newLifecycle(r)
	return r
}

func (r *Room) ID() domain.RoomID { return r.id }

func (r *Room) State() domain.RoomState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked()
}

func (r *Room) closedLocked() bool {
	return r.destroyed || r.stateLocked() == domain.RoomRemoved
}

func (r *Room) Join(ctx context.Context, sid SessionID, sig SignalConnection, req JoinRequest) (JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closedLocked() {
		return JoinResult{}, ErrRoomNotFound
	}
	return r.joinLocked(ctx, sid, sig, req)
}

func (r *Room) joinLocked(ctx context.Context, sid SessionID, sig SignalConnection, req JoinRequest) (JoinResult, error) {
	p, existed := r.bySID[sid]
	if !existed {
		p = newParticipant(sid, sig)
		r.participants = append(r.participants, p)
		r.bySID[sid] = p
	}
	if sig != nil {
		p.signal = sig
	}
	p.role = req.Role
	p.name = req.Name
	p.userID = req.UserID
	p.capabilities = req.Capabilities

	var detached []Detached
	if p.transport != nil {
		detached = r.resetMediaLocked(p)
	}

	t, err := r.router.CreateTransport(ctx, string(sid))
	if err != nil {
		if !existed {
			r.removeParticipantLocked(p)
		}
		return JoinResult{Detached: detached}, fmt.Errorf("%w: %w", ErrTransportAllocationFailed, err)
	}
	p.transport = t

	if req.Role == domain.RolePublisher && r.primary == "" && req.UserID != "" {
		r.primary = req.UserID
	}
	r.log.Info().Str("sid", string(sid)).Str("role", string(req.Role)).Bool("rejoin", existed).
		Str("transport", t.ID()).Msg("participant joined")

	return JoinResult{
		Transport:          t.Descriptor(),
		RouterCapabilities: r.router.Capabilities(),
		Chat:               slices.Clone(r.chat),
		Detached:           detached,
	}, nil
}

// ConnectTransport completes the participant's media path. It reports true
// when the transport was already connected.
func (r *Room) ConnectTransport(ctx context.Context, sid SessionID, params ConnectParameters) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closedLocked() {
		return false, ErrRoomNotFound
	}
	p, ok := r.bySID[sid]
	if !ok {
		return false, ErrParticipantNotFound
	}
	if p.transport == nil {
		return false, ErrTransportNotFound
	}
	if p.transport.Connected() {
		return true, nil
	}
	if err := p.transport.Connect(ctx, params); err != nil {
		return false, fmt.Errorf("%w: connect transport: %w", ErrAdapterFailure, err)
	}
	return false, nil
}

func defaultAppointment(kind domain.TrackKind) domain.Appointment {
	if kind == domain.KindAudio {
		return domain.AppointmentAudio
	}
	return domain.AppointmentCamera
}

func (r *Room) Publish(ctx context.Context, sid SessionID, req PublishRequest) (PublishResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closedLocked() {
		return PublishResult{}, ErrRoomNotFound
	}
	p, ok := r.bySID[sid]
	if !ok {
		return PublishResult{}, ErrParticipantNotFound
	}
	if p.transport == nil {
		return PublishResult{}, ErrTransportNotFound
	}

	n := max(1, len(req.RTP.Encodings))
	encodings := make([]Encoding, n)
	ssrcs := make([]uint32, 0, n)
	for i := range n {
		ssrc, err := r.ssrcs.Acquire()
		if err != nil {
			r.ssrcs.Release(ssrcs...)
			return PublishResult{}, fmt.Errorf("allocate ssrc: %w", err)
		}
		ssrcs = append(ssrcs, ssrc)
		if i < len(req.RTP.Encodings) {
			encodings[i] = req.RTP.Encodings[i]
		}
		encodings[i].SSRC = ssrc
	}
	params := req.RTP
	params.Encodings = encodings

	track, err := p.transport.Publish(ctx, PublishParameters{Kind: req.Kind, RTP: params})
	if err != nil {
		r.ssrcs.Release(ssrcs...)
		return PublishResult{}, fmt.Errorf("%w: publish: %w", ErrAdapterFailure, err)
	}

	appointment := req.Appointment
	if appointment == "" {
		appointment = defaultAppointment(req.Kind)
	}
	pt := &publishedTrack{owner: sid, track: track, appointment: appointment, ssrcs: ssrcs}
	pt.unobserve = track.Observe(r.publishedObserver(track.ID()))
	r.published = append(r.published, pt)
	p.owned = append(p.owned, pt)
	p.role = domain.RolePublisher

	if r.primary == "" && p.userID != "" {
		r.primary = p.userID
	}
	var detached []Detached
	if r.stateLocked() == domain.RoomSleeping && p.userID != "" && p.userID == r.primary {
		detached = r.retirePrimaryLocked(sid, true)
		r.wakeLocked()
	}

	r.log.Info().Str("sid", string(sid)).Str("track", track.ID()).Str("kind", string(req.Kind)).
		Uints32("ssrcs", ssrcs).Msg("track published")

	return PublishResult{
		TrackID:     track.ID(),
		Kind:        req.Kind,
		Appointment: appointment,
		RTP:         track.RTPParameters(),
		Detached:    detached,
	}, nil
}

func (r *Room) publishedByID(id string) *publishedTrack {
	for _, pt := range r.published {
		if pt.track.ID() == id {
			return pt
		}
	}
	return nil
}

// Subscribe starts delivering a published track to sid. created is false
// when sid already receives the track.
func (r *Room) Subscribe(ctx context.Context, sid SessionID, sourceID string) (sub Subscription, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closedLocked() {
		return Subscription{}, false, ErrRoomNotFound
	}
	p, ok := r.bySID[sid]
	if !ok {
		return Subscription{}, false, ErrParticipantNotFound
	}
	return r.subscribeLocked(ctx, p, sourceID)
}

func (r *Room) subscribeLocked(ctx context.Context, p *Participant, sourceID string) (Subscription, bool, error) {
	if p.transport == nil {
		return Subscription{}, false, ErrTransportNotFound
	}
	if _, ok := p.sources[sourceID]; ok {
		return Subscription{}, false, nil
	}
	pt := r.publishedByID(sourceID)
	if pt == nil {
		return Subscription{}, false, fmt.Errorf("%w: %s", ErrProducerNotFound, sourceID)
	}
	caps := p.capabilities
	if caps.Empty() {
		caps = r.router.Capabilities()
	}
	if !r.router.CanConsume(sourceID, caps) {
		return Subscription{}, false, fmt.Errorf("%w: %s", ErrIncompatibleCapabilities, sourceID)
	}

	// Recorded before the engine call; rolled back if it fails.
	p.sources[sourceID] = struct{}{}
	track, err := p.transport.Subscribe(ctx, sourceID, caps)
	if err != nil {
		delete(p.sources, sourceID)
		return Subscription{}, false, fmt.Errorf("%w: subscribe %s: %w", ErrAdapterFailure, sourceID, err)
	}
	s := &subscription{track: track, sourceID: sourceID}
	s.unobserve = track.Observe(r.subscriptionObserver(p.sid, track.ID(), sourceID))
	p.subscribed = append(p.subscribed, s)

	r.log.Info().Str("sid", string(p.sid)).Str("source", sourceID).Str("track", track.ID()).Msg("track subscribed")

	return Subscription{
		TrackID:     track.ID(),
		SourceID:    sourceID,
		Kind:        track.Kind(),
		Appointment: pt.appointment,
		RTP:         track.RTPParameters(),
	}, true, nil
}

// SubscribeAll subscribes sid to every published track it does not own and
// does not receive yet. Incompatible tracks are skipped; other failures are
// collected while the loop continues.
func (r *Room) SubscribeAll(ctx context.Context, sid SessionID) ([]Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closedLocked() {
		return nil, ErrRoomNotFound
	}
	p, ok := r.bySID[sid]
	if !ok {
		return nil, ErrParticipantNotFound
	}
	if p.transport == nil {
		return nil, ErrTransportNotFound
	}

	var (
		subs []Subscription
		errs []error
	)
	for _, pt := range slices.Clone(r.published) {
		if pt.owner == sid {
			continue
		}
		sub, created, err := r.subscribeLocked(ctx, p, pt.track.ID())
		switch {
		case errors.Is(err, ErrIncompatibleCapabilities):
			r.log.Warn().Err(err).Str("sid", string(sid)).Str("appointment", string(pt.appointment)).Msg("cannot consume track")
		case err != nil:
			errs = append(errs, err)
		case created:
			subs = append(subs, sub)
		}
	}
	return subs, errors.Join(errs...)
}

// UnpublishTrack closes a published track and every subscription to it.
// Unknown ids are ignored.
func (r *Room) UnpublishTrack(trackID string) []Detached {
	r.mu.Lock()
	defer r.mu.Unlock()
	pt := r.publishedByID(trackID)
	if pt == nil {
		return nil
	}
	return r.unpublishLocked(pt, true)
}

func (r *Room) unpublishLocked(pt *publishedTrack, closeTrack bool) []Detached {
	id := pt.track.ID()
	r.published = slices.DeleteFunc(r.published, func(x *publishedTrack) bool { return x == pt })
	if owner, ok := r.bySID[pt.owner]; ok {
		owner.dropOwned(id)
	}

	var detached []Detached
	for _, p := range r.participants {
		s := p.dropSubscription(id)
		if s == nil {
			continue
		}
		r.closeSubscription(s)
		detached = append(detached, Detached{Subscriber: p.sid, TrackID: s.track.ID(), SourceID: id})
	}

	if pt.unobserve != nil {
		pt.unobserve()
	}
	if closeTrack {
		if err := pt.track.Close(); err != nil {
			r.log.Warn().Err(err).Str("track", id).Msg("close published track")
		}
	}
	r.ssrcs.Release(pt.ssrcs...)
	r.log.Info().Str("track", id).Int("detached", len(detached)).Msg("track unpublished")
	return detached
}

func (r *Room) closeSubscription(s *subscription) {
	if s.unobserve != nil {
		s.unobserve()
	}
	if err := s.track.Close(); err != nil {
		r.log.Warn().Err(err).Str("track", s.track.ID()).Msg("close subscribed track")
	}
}

// resetMediaLocked releases everything p holds in the media engine but keeps
// the participant record.
func (r *Room) resetMediaLocked(p *Participant) []Detached {
	for _, s := range p.subscribed {
		r.closeSubscription(s)
	}
	p.subscribed = nil
	clear(p.sources)

	var detached []Detached
	for _, pt := range slices.Clone(p.owned) {
		detached = append(detached, r.unpublishLocked(pt, true)...)
	}

	if p.transport != nil {
		if err := p.transport.Close(); err != nil {
			r.log.Warn().Err(err).Str("sid", string(p.sid)).Msg("close transport")
		}
		p.transport = nil
	}
	return detached
}

func (r *Room) removeParticipantLocked(p *Participant) {
	r.participants = slices.DeleteFunc(r.participants, func(x *Participant) bool { return x == p })
	delete(r.bySID, p.sid)
}

func (r *Room) teardownLocked(p *Participant) []Detached {
	detached := r.resetMediaLocked(p)
	r.removeParticipantLocked(p)
	r.log.Info().Str("sid", string(p.sid)).Msg("participant removed")
	return detached
}

func (r *Room) publishedObserver(trackID string) func(TrackEvent) {
	return func(ev TrackEvent) {
		r.log.Debug().Str("track", trackID).Stringer("event", ev).Msg("published track event")
		if ev == TrackClosed {
			go r.publishedEnded(trackID)
		}
	}
}

func (r *Room) publishedEnded(trackID string) {
	r.mu.Lock()
	pt := r.publishedByID(trackID)
	if pt == nil || r.destroyed {
		r.mu.Unlock()
		return
	}
	detached := r.unpublishLocked(pt, false)
	r.mu.Unlock()

	for _, d := range detached {
		r.trackEnded(d)
	}
}

func (r *Room) subscriptionObserver(sid SessionID, trackID, sourceID string) func(TrackEvent) {
	return func(ev TrackEvent) {
		r.log.Debug().Str("sid", string(sid)).Str("track", trackID).Stringer("event", ev).Msg("subscribed track event")
		if ev == TrackClosed {
			go r.subscriptionEnded(sid, trackID, sourceID)
		}
	}
}

func (r *Room) subscriptionEnded(sid SessionID, trackID, sourceID string) {
	r.mu.Lock()
	p, ok := r.bySID[sid]
	if !ok || r.destroyed {
		r.mu.Unlock()
		return
	}
	s, _ := p.subscriptionFor(sourceID)
	if s == nil || s.track.ID() != trackID {
		r.mu.Unlock()
		return
	}
	p.dropSubscription(sourceID)
	if s.unobserve != nil {
		s.unobserve()
	}
	r.mu.Unlock()

	r.trackEnded(Detached{Subscriber: sid, TrackID: trackID, SourceID: sourceID})
}

func (r *Room) trackEnded(d Detached) {
	if hook := r.opts.Hooks.OnTrackEnded; hook != nil {
		hook(r, d)
	}
}

// SetAudioPaused pauses or resumes every published audio track and returns
// how many tracks were switched.
func (r *Room) SetAudioPaused(paused bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, pt := range r.published {
		if pt.track.Kind() != domain.KindAudio {
			continue
		}
		var err error
		if paused {
			err = pt.track.Pause()
		} else {
			err = pt.track.Resume()
		}
		if err != nil {
			r.log.Warn().Err(err).Str("track", pt.track.ID()).Bool("paused", paused).Msg("toggle audio track")
			continue
		}
		n++
	}
	return n
}

func (r *Room) AppendChat(sid SessionID, body string) (domain.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closedLocked() {
		return domain.ChatMessage{}, ErrRoomNotFound
	}
	p, ok := r.bySID[sid]
	if !ok {
		return domain.ChatMessage{}, ErrParticipantNotFound
	}
	ts := r.now().UnixMilli()
	id := ts
	if n := len(r.chat); n > 0 && r.chat[n-1].ID >= id {
		id = r.chat[n-1].ID + 1
	}
	msg := domain.ChatMessage{ID: id, TimeUnix: ts, Name: p.name, Message: body}
	r.chat = append(r.chat, msg)
	return msg, nil
}

func (r *Room) ChatHistory() []domain.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.chat)
}

// Broadcast delivers frame to every connected participant except exclude.
// Failed deliveries are reported and do not stop the fan-out.
func (r *Room) Broadcast(frame Frame, exclude SessionID) BroadcastResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := BroadcastResult{}
	for _, p := range r.participants {
		if p.sid == exclude || p.Detached() {
			continue
		}
		if err := p.signal.TrySend(frame); err != nil {
			r.log.Warn().Err(err).Str("sid", string(p.sid)).Msg("broadcast delivery failed")
			res.Dropped = append(res.Dropped, p.snapshot())
			continue
		}
		res.Sent++
	}
	r.log.Debug().Str("exclude", string(exclude)).Int("sent_to", res.Sent).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

// Send delivers frame to one participant.
func (r *Room) Send(sid SessionID, frame Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.bySID[sid]
	if !ok || p.Detached() {
		return ErrParticipantNotFound
	}
	return p.signal.TrySend(frame)
}

func (r *Room) Info() domain.RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return domain.RoomInfo{
		ID:           r.id,
		State:        r.stateLocked(),
		Participants: len(r.participants),
		Tracks:       len(r.published),
	}
}

func (r *Room) ParticipantsSnapshot() []ParticipantDTO {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ParticipantDTO, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p.snapshot())
	}
	return out
}

func (r *Room) Participant(sid SessionID) (ParticipantDTO, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.bySID[sid]
	if !ok {
		return ParticipantDTO{}, false
	}
	return p.snapshot(), true
}

// PublishedTrackIDs lists published tracks in publication order.
func (r *Room) PublishedTrackIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.published))
	for _, pt := range r.published {
		out = append(out, pt.track.ID())
	}
	return out
}

// SubscribedSources lists the published tracks sid currently receives.
func (r *Room) SubscribedSources(sid SessionID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.bySID[sid]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(p.subscribed))
	for _, s := range p.subscribed {
		out = append(out, s.sourceID)
	}
	return out
}
