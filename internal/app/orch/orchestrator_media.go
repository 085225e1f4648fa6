package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/dkeye/Stage/internal/protocol"
)

var ErrInvalidKind = errors.New("invalid track kind")

func (o *Orchestrator) ConnectTransport(ctx context.Context, sid core.SessionID, req protocol.ConnectTransportRequest) error {
	ctx, cancel := o.bound(ctx)
	defer cancel()

	room, err := o.room(req.RoomID)
	if err != nil {
		return err
	}
	already, err := room.ConnectTransport(ctx, sid, req.ConnectParameters)
	if err != nil {
		return err
	}
	msg := "Transport connected"
	if already {
		msg = "Transport already connected"
	}
	o.Reply(sid, protocol.TransportConnected{Type: protocol.TypeTransportConnected, Message: msg})
	return nil
}

func (o *Orchestrator) CreateProducer(ctx context.Context, sid core.SessionID, req protocol.CreateProducerRequest) error {
	ctx, cancel := o.bound(ctx)
	defer cancel()

	if !req.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, req.Kind)
	}
	room, err := o.room(req.RoomID)
	if err != nil {
		return err
	}
	res, err := room.Publish(ctx, sid, core.PublishRequest{
		Kind:        req.Kind,
		RTP:         req.RTPParameters,
		Appointment: req.Appointment,
	})
	if err != nil {
		return err
	}

	o.Reply(sid, protocol.ProducerCreated{
		Type:        protocol.TypeProducerCreated,
		ProducerID:  res.TrackID,
		Role:        domain.RolePublisher,
		RoomID:      room.ID(),
		Appointment: res.Appointment,
		Encodings:   res.RTP.Encodings,
	})
	o.Reply(sid, protocol.ProduceInfo{Type: protocol.TypeProduceInfo, ProducerID: res.TrackID})
	o.notifyDetached(room, res.Detached)
	o.Broadcast(room, protocol.Notice{Type: protocol.TypeUpdateConsumers}, sid)
	return nil
}

// CreateConsumer subscribes the caller to every track it does not receive
// yet. Tracks that were subscribed are reported even when others failed.
func (o *Orchestrator) CreateConsumer(ctx context.Context, sid core.SessionID, req protocol.RoomRequest) error {
	ctx, cancel := o.bound(ctx)
	defer cancel()

	room, err := o.room(req.RoomID)
	if err != nil {
		return err
	}
	subs, err := room.SubscribeAll(ctx, sid)
	for _, s := range subs {
		o.Reply(sid, protocol.CreateConsumer{
			Type: protocol.TypeCreateConsumer,
			ConsumerParameters: protocol.ConsumerParameters{
				ID:            s.TrackID,
				ProducerID:    s.SourceID,
				Kind:          s.Kind,
				RTPParameters: s.RTP,
			},
			Appointment: s.Appointment,
		})
	}
	log.Debug().Str("module", "orch").Str("sid", string(sid)).Int("consumers", len(subs)).Msg("consumers created")
	return err
}

func (o *Orchestrator) MuteMicro(_ context.Context, _ core.SessionID, req protocol.MuteMicroRequest) error {
	room, err := o.room(req.RoomID)
	if err != nil {
		return err
	}
	n := room.SetAudioPaused(req.Mute)
	log.Info().Str("module", "orch").Str("room", string(room.ID())).Bool("mute", req.Mute).Int("tracks", n).Msg("mute micro")
	o.Broadcast(room, protocol.Mute{Type: protocol.TypeMute, Mute: req.Mute}, "")
	return nil
}

func (o *Orchestrator) RemoveProducer(_ context.Context, sid core.SessionID, req protocol.RemoveProducerRequest) error {
	room, err := o.room(req.RoomID)
	if err != nil {
		return err
	}
	detached := room.UnpublishTrack(req.ProducerID)
	o.notifyDetached(room, detached)
	o.Reply(sid, protocol.ProducerRemoved{Type: protocol.TypeProducerRemoved, ProducerID: req.ProducerID})
	return nil
}
