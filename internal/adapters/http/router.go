package http

import (
	"context"
	"net/http"

	"github.com/dkeye/gcomms/internal/app/orch"
	"github.com/dkeye/gcomms/internal/config"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Executor runs fn on the event loop and waits for it.
type Executor interface {
	Call(ctx context.Context, fn func() error) error
}

// PeerAcceptor takes inbound peer links.
type PeerAcceptor interface {
	Accept(w http.ResponseWriter, r *http.Request) error
}

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, exec Executor, o *orch.Orchestrator, peers PeerAcceptor) (*gin.Engine, error) {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	events := newEventStream(cfg)
	if err := exec.Call(ctx, func() error {
		o.Subscribe(events.publish)
		return nil
	}); err != nil {
		return nil, err
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("GcommsSessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	h := &handlers{exec: exec, orch: o}
	api := r.Group("/api")
	api.GET("/health", h.health)
	api.GET("/session", h.session)
	api.GET("/peers", h.peers)
	api.GET("/rejoin", h.rejoin)

	cmd := api.Group("/commands")
	cmd.POST("/host", h.host)
	cmd.POST("/join", h.join)
	cmd.POST("/leave", h.leave)
	cmd.POST("/resume", h.resume)
	cmd.POST("/status", h.status)
	cmd.POST("/move", h.move)
	cmd.POST("/channel", h.createChannel)
	cmd.POST("/channel-state", h.channelState)
	cmd.POST("/volume", h.volume)

	api.GET("/ws/events", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws events endpoint hit")
		events.serve(ctx, c)
	})
	api.GET("/ws/peer", func(c *gin.Context) {
		if err := peers.Accept(c.Writer, c.Request); err != nil {
			log.Warn().Str("module", "adapters.http").Err(err).Msg("peer link rejected")
		}
	})

	return r, nil
}
