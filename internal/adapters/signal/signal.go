// Package signal is the websocket side of the signaling protocol: one read
// pump and one write pump per connection, routes dispatched to orch.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Stage/internal/app/orch"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/dkeye/Stage/internal/metrics"
)

var ErrConnClosed = errors.New("connection closed")

type Options struct {
	SendBuffer int
	ReadLimit  int64
	PingPeriod time.Duration
	// ChatRateLimit messages per ChatRateInterval per user; zero disables.
	ChatRateLimit    int
	ChatRateInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 10
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	return o
}

type SignalWSController struct {
	Orch    *orch.Orchestrator
	Metrics *metrics.Metrics

	opts    Options
	chat    *RoomRateLimiter
	creates *RoomRateLimiter
}

func NewSignalWSController(o *orch.Orchestrator, m *metrics.Metrics, opts Options) *SignalWSController {
	opts = opts.withDefaults()
	ctl := &SignalWSController{Orch: o, Metrics: m, opts: opts}
	if opts.ChatRateLimit > 0 && opts.ChatRateInterval > 0 {
		ctl.chat = NewRoomRateLimiter(opts.ChatRateLimit, opts.ChatRateInterval)
		ctl.creates = NewRoomRateLimiter(opts.ChatRateLimit, opts.ChatRateInterval)
	}
	return ctl
}

// WsSignalConn implements core.SignalConnection over a buffered send queue.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWsSignalConn(ws *websocket.Conn, buffer int) *WsSignalConn {
	return &WsSignalConn{conn: ws, send: make(chan core.Frame, buffer)}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and serves the connection until either
// side goes away or the session is kicked.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := core.SessionID(uuid.NewString())
	user := domain.UserID(c.GetString("client_token"))

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.opts.ReadLimit)

	conn := newWsSignalConn(ws, ctl.opts.SendBuffer)
	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Registry.BindSignal(sid, conn, user, cancel)
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("user", string(user)).Msg("new WS connection")

	go ctl.writePump(ctx, cancel, conn)
	go ctl.readPump(ctx, cancel, sid, conn)
}
