package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Stage/internal/adapters/signal"
	"github.com/dkeye/Stage/internal/app/orch"
	"github.com/dkeye/Stage/internal/config"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/dkeye/Stage/internal/metrics"
)

const (
	sessionName     = "StageSessions"
	clientTokenKey  = "client_token"
	sessionTokenKey = "ct"
)

// ClientTokenMiddleware gives every browser a stable token kept in the
// session cookie. Signaling uses it as the default user id.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		token, _ := session.Get(sessionTokenKey).(string)
		if token == "" {
			token = uuid.NewString()
			session.Set(sessionTokenKey, token)
			if err := session.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

type roomDetails struct {
	domain.RoomInfo
	Members []core.ParticipantDTO `json:"members"`
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, m *metrics.Metrics) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true, SameSite: http.SameSiteLaxMode})
	r.Use(sessions.Sessions(sessionName, store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": o.Registry.Len()})
	})
	r.GET("/metrics", gin.WrapH(m.Handler()))

	ctrl := signal.NewSignalWSController(o, m, signal.Options{
		SendBuffer:       cfg.SendBuffer,
		ReadLimit:        cfg.ReadLimit,
		PingPeriod:       cfg.PingPeriod,
		ChatRateLimit:    cfg.ChatRateLimit,
		ChatRateInterval: cfg.ChatRateInterval,
	})

	api := r.Group("/api")
	api.GET("/ws/signal", func(c *gin.Context) {
		ctrl.HandleSignal(ctx, c)
	})
	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, o.Registry.List())
	})
	api.GET("/rooms/:id", func(c *gin.Context) {
		room, ok := o.Registry.Get(domain.RoomID(c.Param("id")))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": core.ErrRoomNotFound.Error()})
			return
		}
		c.JSON(http.StatusOK, roomDetails{RoomInfo: room.Info(), Members: room.ParticipantsSnapshot()})
	})
	api.DELETE("/rooms/:id", func(c *gin.Context) {
		if !o.EvictRoom(domain.RoomID(c.Param("id"))) {
			c.JSON(http.StatusNotFound, gin.H{"error": core.ErrRoomNotFound.Error()})
			return
		}
		log.Info().Str("module", "adapters.http").Str("room", c.Param("id")).Msg("room evicted")
		c.Status(http.StatusNoContent)
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")
	return r
}
