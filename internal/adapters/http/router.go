package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/adapters/docstore"
	"github.com/dkeye/voicemesh/internal/adapters/signal"
	"github.com/dkeye/voicemesh/internal/app/orch"
	"github.com/dkeye/voicemesh/internal/config"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

const sessionToken = "ct"

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware resolves the caller's client token: the explicit
// header first, then the session cookie. A new token is issued otherwise.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(docstore.TokenHeader)
		if token == "" {
			sess := sessions.Default(c)
			if v, ok := sess.Get(sessionToken).(string); ok {
				token = v
			}
			if token == "" {
				token = genClientToken()
				sess.Set(sessionToken, token)
				if err := sess.Save(); err != nil {
					log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
				}
			}
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("VoiceSessions", store))
	r.Use(ClientTokenMiddleware())

	if o.Metrics != nil {
		r.GET("/metrics", gin.WrapH(o.Metrics.Handler()))
	}

	limiter := signal.NewRateLimiter(cfg.AppendLimit, cfg.AppendInterval)
	ctrl := signal.NewStoreWSController(o, limiter, cfg.ReadLimit, cfg.PingPeriod)

	api := r.Group("/api")
	api.GET("/ws/store", func(c *gin.Context) {
		ctrl.HandleStore(ctx, c)
	})
	api.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, o.Registry.GetOrCreateUser(c.GetString("client_token")))
	})
	api.POST("/rooms", func(c *gin.Context) {
		room, err := o.CreateRoom(c.Request.Context(), c.GetString("client_token"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, room)
	})
	api.GET("/rooms/:id", func(c *gin.Context) {
		room, err := o.CheckRoom(c.Request.Context(), domain.RoomID(c.Param("id")))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, room)
	})
	api.DELETE("/rooms/:id", func(c *gin.Context) {
		err := o.RetireRoom(c.Request.Context(), c.GetString("client_token"), domain.RoomID(c.Param("id")))
		if err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal"
	switch {
	case errors.Is(err, core.ErrRoomNotFound):
		status, code = http.StatusNotFound, "room_not_found"
	case errors.Is(err, core.ErrRoomExpired):
		status, code = http.StatusGone, "room_expired"
	case errors.Is(err, orch.ErrNotOwner):
		status, code = http.StatusForbidden, "not_owner"
	case errors.Is(err, core.ErrNoIdentity):
		status, code = http.StatusUnauthorized, "no_identity"
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": code})
}
