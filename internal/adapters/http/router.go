package http

import (
	"context"
	"net/http"

	"github.com/dkeye/callrelay/internal/adapters/signal"
	"github.com/dkeye/callrelay/internal/app"
	"github.com/dkeye/callrelay/internal/config"
	"github.com/dkeye/callrelay/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// ConnIDMiddleware gives every request a fresh connection id.
func ConnIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("conn_id", string(domain.NewConnID()))
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, orch *app.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")

	api.GET("/presence", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"online":      orch.Presence.Online(),
			"connections": orch.Registry.Count(),
		})
	})

	api.GET("/presence/:user", func(c *gin.Context) {
		user, err := domain.ParseUserID(c.Param("user"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		_, online := orch.Presence.Resolve(user)
		c.JSON(http.StatusOK, gin.H{"user": user, "online": online})
	})

	ctrl := signal.NewSignalWSController(orch, cfg)
	api.GET("/ws/signal", ConnIDMiddleware(), func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("conn", c.GetString("conn_id")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	return r
}
