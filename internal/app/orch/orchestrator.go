package orch

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Stage/internal/app"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/dkeye/Stage/internal/metrics"
	"github.com/dkeye/Stage/internal/protocol"
)

const DefaultHandlerTimeout = 10 * time.Second

// Orchestrator runs one handler per signaling route against the registry.
type Orchestrator struct {
	Registry       *app.Registry
	Policy         app.Policy
	Metrics        *metrics.Metrics
	HandlerTimeout time.Duration
}

// New wires the orchestrator into the lifecycle hooks of rooms created from now on.
func New(reg *app.Registry, policy app.Policy, m *metrics.Metrics, handlerTimeout time.Duration) *Orchestrator {
	if handlerTimeout <= 0 {
		handlerTimeout = DefaultHandlerTimeout
	}
	o := &Orchestrator{
		Registry:       reg,
		Policy:         policy,
		Metrics:        m,
		HandlerTimeout: handlerTimeout,
	}
	reg.SetRoomHooks(core.Hooks{
		OnExpire:      o.onRoomExpired,
		OnTrackEnded:  o.onTrackEnded,
		OnStateChange: o.onStateChange,
	})
	return o
}

func (o *Orchestrator) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.HandlerTimeout)
}

func (o *Orchestrator) room(id string) (*core.Room, error) {
	room, ok := o.Registry.Get(domain.RoomID(id))
	if !ok {
		return nil, core.ErrRoomNotFound
	}
	return room, nil
}

func (o *Orchestrator) signal(sid core.SessionID) (core.SignalConnection, error) {
	sig, ok := o.Registry.GetSession(sid)
	if !ok {
		return nil, core.ErrParticipantNotFound
	}
	return sig, nil
}

// Reply sends v to one connection.
func (o *Orchestrator) Reply(sid core.SessionID, v any) {
	sig, ok := o.Registry.GetSession(sid)
	if !ok {
		return
	}
	frame, err := protocol.Encode(v)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("encode reply")
		return
	}
	if err := sig.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("reply dropped")
	}
}

// Broadcast sends v to everyone in room but exclude and applies the
// backpressure policy to those who could not take it.
func (o *Orchestrator) Broadcast(room *core.Room, v any, exclude core.SessionID) {
	frame, err := protocol.Encode(v)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("encode broadcast")
		return
	}
	res := room.Broadcast(frame, exclude)
	if o.Policy == nil {
		return
	}
	for _, slow := range res.Dropped {
		switch o.Policy.OnBackPressure(room, slow) {
		case app.KickMember:
			o.Registry.Cancel(slow.SID)
		case app.MarkSlow:
			log.Warn().Str("module", "orch").Str("room", string(room.ID())).Str("sid", string(slow.SID)).Msg("slow participant")
		case app.NoAction:
		}
	}
}

func (o *Orchestrator) notifyDetached(room *core.Room, detached []core.Detached) {
	for _, d := range detached {
		o.sendOffTrack(room, d)
	}
}

func (o *Orchestrator) sendOffTrack(room *core.Room, d core.Detached) {
	frame, err := protocol.Encode(protocol.OffTrack{
		Type:       protocol.TypeOffTrack,
		ProducerID: d.SourceID,
		ConsumerID: d.TrackID,
	})
	if err != nil {
		return
	}
	if err := room.Send(d.Subscriber, frame); err != nil {
		log.Debug().Err(err).Str("module", "orch").Str("sid", string(d.Subscriber)).Msg("offTrack not delivered")
	}
}

func (o *Orchestrator) onTrackEnded(room *core.Room, d core.Detached) {
	o.sendOffTrack(room, d)
}

func (o *Orchestrator) onStateChange(_ *core.Room, from, to domain.RoomState) {
	o.Metrics.RoomTransition(from, to)
}

func (o *Orchestrator) onRoomExpired(room *core.Room) {
	log.Info().Str("module", "orch").Str("room", string(room.ID())).Msg("reconnect timeout, removing room")
	o.Metrics.ReconnectTimeout()
	o.Broadcast(room, protocol.Notice{Type: protocol.TypeRemoveRoom}, "")
	if !o.Registry.Remove(room.ID()) {
		room.Destroy()
	}
}

func capabilities(c *core.Capabilities) core.Capabilities {
	if c == nil {
		return core.Capabilities{}
	}
	return *c
}

// userFor picks the external user id: the one the client sent, else the
// connection's cookie token.
func (o *Orchestrator) userFor(sid core.SessionID, sent string) (domain.UserID, error) {
	id := domain.UserID(sent)
	if id == "" {
		id = o.Registry.UserOf(sid)
	}
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}

func displayName(sent, fallback string) (string, error) {
	if sent == "" {
		return fallback, nil
	}
	return domain.NormalizeName(sent)
}
