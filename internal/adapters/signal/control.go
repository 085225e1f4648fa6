package signal

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/dkeye/Stage/internal/protocol"
)

var (
	ErrUnknownRoute = errors.New("unknown route")
	ErrRateLimited  = errors.New("rate limited")
)

func (ctl *SignalWSController) dispatch(ctx context.Context, sid core.SessionID, env protocol.Envelope) error {
	o := ctl.Orch
	switch env.Route {
	case protocol.RouteCreateRoom:
		if !ctl.allow(ctl.creates, sid) {
			return ErrRateLimited
		}
		return call(ctx, sid, env, o.CreateRoom)
	case protocol.RouteJoinRoom:
		return call(ctx, sid, env, o.JoinRoom)
	case protocol.RouteCreateProducer:
		return call(ctx, sid, env, o.CreateProducer)
	case protocol.RouteCreateConsumer:
		return call(ctx, sid, env, o.CreateConsumer)
	case protocol.RouteConnectTransport:
		return call(ctx, sid, env, o.ConnectTransport)
	case protocol.RouteMuteMicro:
		return call(ctx, sid, env, o.MuteMicro)
	case protocol.RouteRemoveProducer:
		return call(ctx, sid, env, o.RemoveProducer)
	case protocol.RouteRemoveRoom:
		return call(ctx, sid, env, o.RemoveRoom)
	case protocol.RouteCheckRoom:
		return call(ctx, sid, env, o.CheckRoom)
	case protocol.RouteSendMessage:
		if !ctl.allow(ctl.chat, sid) {
			return ErrRateLimited
		}
		return call(ctx, sid, env, o.SendMessage)
	case protocol.RouteReconnect:
		return call(ctx, sid, env, o.Reconnect)
	case protocol.RouteRestartSFU:
		return call(ctx, sid, env, o.RestartSFU)
	case protocol.RoutePing:
		ctl.handlePing(sid)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownRoute, env.Route)
}

func call[T any](ctx context.Context, sid core.SessionID, env protocol.Envelope, h func(context.Context, core.SessionID, T) error) error {
	req, err := protocol.Decode[T](env)
	if err != nil {
		return err
	}
	return h(ctx, sid, req)
}

func (ctl *SignalWSController) handlePing(sid core.SessionID) {
	ctl.Orch.Reply(sid, protocol.Notice{Type: protocol.TypePong})
}

// allow keys the limiter by user, falling back to the connection.
func (ctl *SignalWSController) allow(rl *RoomRateLimiter, sid core.SessionID) bool {
	if rl == nil {
		return true
	}
	key := string(ctl.Orch.Registry.UserOf(sid))
	if key == "" {
		key = string(sid)
	}
	return rl.Allow(key)
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, protocol.ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrUnknownRoute):
		return "unknown_route"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, domain.ErrChatMessageEmpty),
		errors.Is(err, domain.ErrChatMessageTooLong),
		errors.Is(err, domain.ErrUsernameEmpty),
		errors.Is(err, domain.ErrUsernameTooLong),
		errors.Is(err, domain.ErrUserIDTooLong):
		return "invalid_argument"
	}
	return core.ErrorKind(err)
}
