package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jengzang/trip-tracker/internal/handler"
	"github.com/jengzang/trip-tracker/internal/middleware"
	"github.com/jengzang/trip-tracker/internal/ratelimit"
)

// Handlers bundles the route handlers
type Handlers struct {
	Signals *handler.SignalHandler
	Trips   *handler.TripHandler
	Events  *handler.EventHandler
	Sync    *handler.SyncHandler
	Stats   *handler.StatsHandler
}

// SetupRouter 设置路由. signalLimiter bounds signal ingress per client IP.
func SetupRouter(h Handlers, signalLimiter *ratelimit.Limiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Logger("/health"))

	// CORS 中间件
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"message": "Trip tracker is running",
		})
	})

	// API 路由组
	api := r.Group("/api/v1")
	{
		api.GET("/status", h.Stats.GetStatus)
		api.GET("/stats/today", h.Stats.GetTodayStats)

		// 平台信号
		signals := api.Group("/signals")
		if signalLimiter != nil {
			signals.Use(middleware.RateLimit(signalLimiter))
		}
		{
			signals.POST("/activity", h.Signals.Activity)
			signals.POST("/motion", h.Signals.Motion)
			signals.POST("/car", h.Signals.Car)
			signals.POST("/location", h.Signals.Location)
			signals.POST("/geofence", h.Signals.Geofence)
			signals.POST("/manual", h.Signals.Manual)
			signals.POST("/device", h.Signals.Device)
		}

		// 行程
		trips := api.Group("/trips")
		{
			trips.GET("", h.Trips.GetTrips)
			trips.GET("/active", h.Trips.GetActiveTrip)
			trips.POST("/start", h.Trips.StartTrip)
			trips.POST("/stop", h.Trips.StopTrip)
			trips.GET("/:id", h.Trips.GetTripByID)
			trips.GET("/:id/events", h.Trips.GetTripEvents)
			trips.GET("/:id/path", h.Trips.GetTripPath)
			trips.GET("/:id/correct-path", h.Trips.GetCorrectionStatus)
			trips.POST("/:id/correct-path", h.Trips.CorrectPath)
		}

		api.GET("/events", h.Events.GetEvents)

		// 同步
		api.GET("/sync", h.Sync.GetSyncStatus)
		api.POST("/sync", h.Sync.RunSync)
	}

	return r
}
