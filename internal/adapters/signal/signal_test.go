package signal

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Stage/internal/app"
	"github.com/dkeye/Stage/internal/app/orch"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/core/coretest"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/dkeye/Stage/internal/ids"
	"github.com/dkeye/Stage/internal/metrics"
	"github.com/dkeye/Stage/internal/protocol"
)

type server struct {
	reg *app.Registry
	url string
}

func newServer(t *testing.T, opts Options) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := app.NewRegistry(coretest.NewEngine(), ids.NewSSRCPool(),
		app.WithRoomOptions(core.RoomOptions{ReconnectTimeout: time.Minute}))
	m := metrics.New(reg.List)
	ctl := NewSignalWSController(orch.New(reg, app.SimplePolicy{}, m, time.Second), m, opts)

	ctx, cancel := context.WithCancel(context.Background())
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		c.Set("client_token", c.Query("user"))
		ctl.HandleSignal(ctx, c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &server{reg: reg, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

func (s *server) dial(t *testing.T, user string) *client {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(s.url+"?user="+user, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return &client{t: t, ws: ws}
}

func (c *client) send(route string, data any) {
	c.t.Helper()
	msg := map[string]any{"route": route}
	if data != nil {
		msg["data"] = data
	}
	require.NoError(c.t, c.ws.WriteJSON(msg))
}

func (c *client) sendRaw(raw string) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, []byte(raw)))
}

// expect reads until a message of typ arrives and decodes it into v.
func (c *client) expect(typ string, v any) {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(c.t, c.ws.SetReadDeadline(deadline))
		_, data, err := c.ws.ReadMessage()
		require.NoError(c.t, err, "waiting for %s", typ)
		var probe struct {
			Type string `json:"type"`
		}
		require.NoError(c.t, json.Unmarshal(data, &probe))
		if probe.Type != typ {
			continue
		}
		if v != nil {
			require.NoError(c.t, json.Unmarshal(data, v))
		}
		return
	}
}

func TestPing(t *testing.T) {
	s := newServer(t, Options{})
	c := s.dial(t, "u1")
	c.send(protocol.RoutePing, nil)
	c.expect(protocol.TypePong, nil)
}

func TestErrors(t *testing.T) {
	s := newServer(t, Options{})
	c := s.dial(t, "u1")

	var e protocol.Error
	c.send("dance", nil)
	c.expect(protocol.TypeError, &e)
	assert.Equal(t, "unknown_route", e.Kind)
	assert.Equal(t, "dance", e.Route)

	c.sendRaw("{not json")
	c.expect(protocol.TypeError, &e)
	assert.Equal(t, "malformed", e.Kind)

	c.send(protocol.RouteJoinRoom, "a string")
	c.expect(protocol.TypeError, &e)
	assert.Equal(t, "malformed", e.Kind)

	c.send(protocol.RouteCheckRoom, map[string]string{"roomId": "nope"})
	c.expect(protocol.TypeRemovedRoom, nil)
}

func TestCreateRoomAndDisconnect(t *testing.T) {
	s := newServer(t, Options{})
	pub := s.dial(t, "u1")
	pub.send(protocol.RouteCreateRoom, map[string]string{})
	var created protocol.RoomCreated
	pub.expect(protocol.TypeRoomCreated, &created)
	require.NotEmpty(t, created.RoomID)

	sub := s.dial(t, "u2")
	sub.send(protocol.RouteJoinRoom, map[string]string{"roomId": string(created.RoomID)})
	sub.expect(protocol.TypeJoinedRoom, nil)

	require.NoError(t, pub.ws.Close())
	sub.expect(protocol.TypeSleep, nil)

	room, ok := s.reg.Get(created.RoomID)
	require.True(t, ok)
	assert.Equal(t, domain.RoomSleeping, room.State())

	back := s.dial(t, "u1")
	back.send(protocol.RouteCheckRoom, map[string]string{"roomId": string(created.RoomID)})
	var status protocol.RoomStatus
	back.expect(protocol.TypeRoomStatus, &status)
	assert.True(t, status.Reconnect)

	back.send("recconect", map[string]string{"roomId": string(created.RoomID)})
	back.expect(protocol.TypeStartReconnect, nil)
	sub.expect(protocol.TypeProducerRestartSFU, nil)
	assert.Equal(t, domain.RoomActive, room.State())
}

func TestCreateRoomRateLimited(t *testing.T) {
	s := newServer(t, Options{ChatRateLimit: 1, ChatRateInterval: time.Minute})
	c := s.dial(t, "u1")
	c.send(protocol.RouteCreateRoom, nil)
	c.expect(protocol.TypeRoomCreated, nil)

	c.send(protocol.RouteCreateRoom, nil)
	var e protocol.Error
	c.expect(protocol.TypeError, &e)
	assert.Equal(t, "rate_limited", e.Kind)
	assert.Equal(t, 1, s.reg.Len())
}

func TestKickClosesConnection(t *testing.T) {
	s := newServer(t, Options{})
	c := s.dial(t, "u1")
	c.send(protocol.RouteCreateRoom, nil)
	var created protocol.RoomCreated
	c.expect(protocol.TypeRoomCreated, &created)

	sids := s.reg.SessionsIn(created.RoomID)
	require.Len(t, sids, 1)
	require.True(t, s.reg.Cancel(sids[0]))

	require.NoError(t, c.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			break
		}
	}
	require.Eventually(t, func() bool {
		_, ok := s.reg.GetSession(sids[0])
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTrySendBackpressure(t *testing.T) {
	c := &WsSignalConn{send: make(chan core.Frame, 1)}
	require.NoError(t, c.TrySend(core.Frame("a")))
	assert.ErrorIs(t, c.TrySend(core.Frame("b")), core.ErrBackpressure)
}
