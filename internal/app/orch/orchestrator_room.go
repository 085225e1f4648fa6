package orch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/dkeye/Stage/internal/ids"
	"github.com/dkeye/Stage/internal/protocol"
)

const publisherName = "PRODUCER"

func (o *Orchestrator) CreateRoom(ctx context.Context, sid core.SessionID, req protocol.CreateRoomRequest) error {
	ctx, cancel := o.bound(ctx)
	defer cancel()

	sig, err := o.signal(sid)
	if err != nil {
		return err
	}
	user, err := o.userFor(sid, req.UserID)
	if err != nil {
		return err
	}
	name, err := displayName(req.Name, publisherName)
	if err != nil {
		return err
	}

	o.leaveCurrent(sid)

	id := ids.NewRoomID()
	room, err := o.Registry.Create(ctx, id)
	if err != nil {
		return err
	}
	res, err := room.Join(ctx, sid, sig, core.JoinRequest{
		Role:         domain.RolePublisher,
		Name:         name,
		UserID:       user,
		Capabilities: capabilities(req.RTPCapabilities),
	})
	if err != nil {
		o.Registry.Remove(id)
		return err
	}
	o.Registry.UpdateRoom(sid, id)

	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room", string(id)).Msg("room created")
	o.Reply(sid, protocol.RoomCreated{
		Type:                  protocol.TypeRoomCreated,
		RoomID:                id,
		TransportOptions:      res.Transport,
		RouterRTPCapabilities: res.RouterCapabilities,
	})
	return nil
}

func (o *Orchestrator) JoinRoom(ctx context.Context, sid core.SessionID, req protocol.JoinRoomRequest) error {
	ctx, cancel := o.bound(ctx)
	defer cancel()

	sig, err := o.signal(sid)
	if err != nil {
		return err
	}
	room, err := o.room(req.RoomID)
	if err != nil {
		return err
	}
	user, err := o.userFor(sid, req.UserID)
	if err != nil {
		return err
	}
	name, err := displayName(req.Name, fmt.Sprintf("consumer - %d", time.Now().UnixMilli()))
	if err != nil {
		return err
	}

	if current, _, ok := o.Registry.RoomOf(sid); ok && current != room.ID() {
		o.leaveCurrent(sid)
	}

	res, err := room.Join(ctx, sid, sig, core.JoinRequest{
		Role:         domain.RoleSubscriber,
		Name:         name,
		UserID:       user,
		Capabilities: capabilities(req.RTPCapabilities),
	})
	o.notifyDetached(room, res.Detached)
	if err != nil {
		return err
	}
	o.Registry.UpdateRoom(sid, room.ID())

	o.Reply(sid, protocol.JoinedRoom{
		Type:                  protocol.TypeJoinedRoom,
		RoomID:                room.ID(),
		TransportOptions:      res.Transport,
		RouterRTPCapabilities: res.RouterCapabilities,
		Chat:                  res.Chat,
	})
	return nil
}

// RemoveRoom tells everyone else the room is gone and destroys it.
func (o *Orchestrator) RemoveRoom(_ context.Context, sid core.SessionID, req protocol.RoomRequest) error {
	room, err := o.room(req.RoomID)
	if err != nil {
		return err
	}
	o.Broadcast(room, protocol.Notice{Type: protocol.TypeRemoveRoom}, sid)
	o.Registry.Remove(room.ID())
	o.Reply(sid, protocol.RoomRemoved{Type: protocol.TypeRoomRemoved, RoomID: room.ID()})
	return nil
}

// EvictRoom removes a room on behalf of an operator; every participant is told.
func (o *Orchestrator) EvictRoom(id domain.RoomID) bool {
	room, ok := o.Registry.Get(id)
	if !ok {
		return false
	}
	o.Broadcast(room, protocol.Notice{Type: protocol.TypeRemoveRoom}, "")
	return o.Registry.Remove(id)
}

func (o *Orchestrator) CheckRoom(_ context.Context, sid core.SessionID, req protocol.CheckRoomRequest) error {
	room, err := o.room(req.RoomID)
	if err != nil {
		return err
	}
	user, err := o.userFor(sid, req.UserID)
	if err != nil {
		return err
	}
	o.Reply(sid, protocol.RoomStatus{
		Type:      protocol.TypeRoomStatus,
		IsExist:   true,
		Reconnect: room.CheckReconnect(user),
	})
	return nil
}

func (o *Orchestrator) SendMessage(_ context.Context, sid core.SessionID, req protocol.SendMessageRequest) error {
	room, err := o.room(req.RoomID)
	if err != nil {
		return err
	}
	body, err := domain.NormalizeChatMessage(req.Message)
	if err != nil {
		return err
	}
	msg, err := room.AppendChat(sid, body)
	if err != nil {
		return err
	}
	o.Broadcast(room, protocol.UpdateChat{Type: protocol.TypeUpdateChat, NewMess: msg}, "")
	o.Reply(sid, protocol.MessageSent{Type: protocol.TypeMessageSent, ID: msg.ID})
	return nil
}

func (o *Orchestrator) Reconnect(ctx context.Context, sid core.SessionID, req protocol.ReconnectRequest) error {
	return o.reattach(ctx, sid, req, protocol.TypeStartReconnect)
}

func (o *Orchestrator) RestartSFU(ctx context.Context, sid core.SessionID, req protocol.ReconnectRequest) error {
	return o.reattach(ctx, sid, req, protocol.TypeRestartedSFU)
}

// reattach brings the primary publisher back on this connection with a
// fresh transport and tells the others to renegotiate.
func (o *Orchestrator) reattach(ctx context.Context, sid core.SessionID, req protocol.ReconnectRequest, reply string) error {
	ctx, cancel := o.bound(ctx)
	defer cancel()

	sig, err := o.signal(sid)
	if err != nil {
		return err
	}
	room, err := o.room(req.RoomID)
	if err != nil {
		return err
	}
	user, err := o.userFor(sid, req.UserID)
	if err != nil {
		return err
	}
	name, err := displayName(req.Name, publisherName)
	if err != nil {
		return err
	}

	if current, _, ok := o.Registry.RoomOf(sid); ok && current != room.ID() {
		o.leaveCurrent(sid)
	}

	res, err := room.Reconnect(ctx, sid, sig, core.ReconnectRequest{
		UserID:       user,
		Name:         name,
		Capabilities: capabilities(req.RTPCapabilities),
	})
	o.notifyDetached(room, res.Detached)
	if err != nil {
		return err
	}
	o.Registry.UpdateRoom(sid, room.ID())

	types := res.TrackTypes
	if types == nil {
		types = []domain.Appointment{}
	}
	o.Reply(sid, protocol.Reconnected{
		Type:                  reply,
		RoomID:                room.ID(),
		TracksType:            types,
		TransportOptions:      res.Transport,
		RouterRTPCapabilities: res.RouterCapabilities,
		Chat:                  res.Chat,
	})
	o.Broadcast(room, protocol.Notice{Type: protocol.TypeProducerRestartSFU}, sid)
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room", string(room.ID())).
		Str("reply", reply).Bool("woke", res.Woke).Msg("publisher reattached")
	return nil
}

// OnDisconnect runs when the signaling connection is gone.
func (o *Orchestrator) OnDisconnect(sid core.SessionID) {
	o.leaveCurrent(sid)
	o.Registry.Unbind(sid)
}

func (o *Orchestrator) leaveCurrent(sid core.SessionID) {
	_, room, ok := o.Registry.RoomOf(sid)
	o.Registry.RemoveRoom(sid)
	if !ok {
		return
	}
	res := room.Leave(sid)
	if res.Slept {
		o.Broadcast(room, protocol.Notice{Type: protocol.TypeSleep}, sid)
	}
	o.notifyDetached(room, res.Detached)
}
