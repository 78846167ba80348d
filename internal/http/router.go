package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/slawatch/backend/internal/config"
	"github.com/slawatch/backend/internal/http/handlers"
	"github.com/slawatch/backend/internal/http/middleware"

	_ "github.com/slawatch/backend/docs"
)

func Router(cfg config.Config, h *handlers.Handler, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Admin-Key", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if cfg.CORSAllowed == "*" {
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
	} else {
		corsCfg.AllowOrigins = config.SplitList(cfg.CORSAllowed)
	}
	r.Use(cors.New(corsCfg))

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	hooks := r.Group("/webhooks")
	hooks.Use(middleware.Timeout(cfg.RequestTimeout))
	hooks.POST("/:source", h.Webhook)

	api := r.Group("/api")
	api.Use(middleware.Timeout(cfg.RequestTimeout))
	{
		api.GET("/items", h.ItemsList)
		api.GET("/items/:kind/:id", h.ItemDetails)
		api.GET("/items/:kind/:id/history", h.ItemHistory)
		api.GET("/snapshots", h.SnapshotsList)
		api.GET("/runs/latest", h.RunsLatest)
	}

	admin := api.Group("")
	admin.Use(middleware.AdminKey(cfg.AdminKey))
	{
		admin.POST("/events", h.SubmitEvents)
		admin.POST("/items/:kind/:id/resolve", h.ResolveItem)
		admin.POST("/items/:kind/:id/retry", h.RetryItem)
		admin.POST("/escalation/run", h.RunEscalation)
		admin.POST("/snapshots/run", h.RunSnapshot)
	}

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return r
}
