package signal

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/protocol"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, cancel context.CancelFunc, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		}
	}
}

// readPump handles frames one at a time so requests of a connection are
// processed in arrival order.
func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, sid core.SessionID, c *WsSignalConn) {
	defer func() {
		cancel()
		ctl.Orch.OnDisconnect(sid)
		c.Close()
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closed")
	}()

	wait := ctl.opts.PingPeriod * 10 / 9
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wait))
		ctl.handleSignal(ctx, sid, data)
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, sid core.SessionID, data []byte) {
	start := time.Now()
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		ctl.Metrics.HandlerError("", errorKind(err))
		ctl.replyError(sid, "", err)
		return
	}

	err = ctl.dispatch(ctx, sid, env)
	label := env.Route
	if !protocol.KnownRoute(label) {
		label = "unknown"
	}
	ctl.Metrics.Message(label)
	ctl.Metrics.ObserveHandler(label, time.Since(start))
	if err == nil {
		return
	}
	ctl.Metrics.HandlerError(label, errorKind(err))
	ctl.replyError(sid, env.Route, err)
}

// replyError answers a failed request. A missing room gets the removedRoom
// notice clients already react to; everything else a typed error.
func (ctl *SignalWSController) replyError(sid core.SessionID, route string, err error) {
	if errors.Is(err, core.ErrRoomNotFound) {
		ctl.Orch.Reply(sid, protocol.Notice{Type: protocol.TypeRemovedRoom})
		return
	}
	log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("route", route).Msg("request failed")
	ctl.Orch.Reply(sid, protocol.Error{
		Type:    protocol.TypeError,
		Route:   route,
		Kind:    errorKind(err),
		Message: err.Error(),
	})
}
