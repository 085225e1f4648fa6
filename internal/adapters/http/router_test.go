package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Stage/internal/app"
	"github.com/dkeye/Stage/internal/app/orch"
	"github.com/dkeye/Stage/internal/config"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/core/coretest"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/dkeye/Stage/internal/ids"
	"github.com/dkeye/Stage/internal/metrics"
	"github.com/dkeye/Stage/internal/protocol"
)

func setup(t *testing.T) (*gin.Engine, *orch.Orchestrator) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := app.NewRegistry(coretest.NewEngine(), ids.NewSSRCPool())
	m := metrics.New(reg.List)
	o := orch.New(reg, app.SimplePolicy{}, m, time.Second)
	cfg := &config.Config{Mode: "test", Secret: "test-secret", SendBuffer: 8}
	return SetupRouter(context.Background(), cfg, o, m), o
}

func do(r http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func createRoom(t *testing.T, o *orch.Orchestrator) (domain.RoomID, *coretest.Conn) {
	t.Helper()
	conn := &coretest.Conn{}
	o.Registry.BindSignal("p", conn, "u1", nil)
	require.NoError(t, o.CreateRoom(context.Background(), "p", protocol.CreateRoomRequest{}))
	var created protocol.RoomCreated
	require.True(t, conn.Last(protocol.TypeRoomCreated, &created))
	return created.RoomID, conn
}

func TestRoomsEndpoints(t *testing.T) {
	r, o := setup(t)

	w := do(r, http.MethodGet, "/api/rooms")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	id, conn := createRoom(t, o)

	w = do(r, http.MethodGet, "/api/rooms")
	var list []domain.RoomInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, domain.RoomActive, list[0].State)

	w = do(r, http.MethodGet, "/api/rooms/"+string(id))
	require.Equal(t, http.StatusOK, w.Code)
	var details roomDetails
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &details))
	require.Len(t, details.Members, 1)
	assert.Equal(t, domain.RolePublisher, details.Members[0].Role)

	w = do(r, http.MethodDelete, "/api/rooms/"+string(id))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Len(t, conn.Of(protocol.TypeRemoveRoom), 1)

	w = do(r, http.MethodGet, "/api/rooms/"+string(id))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), core.ErrRoomNotFound.Error())
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodDelete, "/api/rooms/"+string(id)).Code)
}

func TestClientTokenCookie(t *testing.T) {
	r, _ := setup(t)
	var token string
	r.GET("/whoami", func(c *gin.Context) {
		token = c.GetString(clientTokenKey)
		c.Status(http.StatusOK)
	})

	w := do(r, http.MethodGet, "/whoami")
	require.Equal(t, http.StatusOK, w.Code)
	first := token
	require.NotEmpty(t, first)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	r.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, first, token)
}

func TestHealthAndMetrics(t *testing.T) {
	r, o := setup(t)
	createRoom(t, o)

	w := do(r, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","rooms":1}`, w.Body.String())

	w = do(r, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "stage_rooms")
}
