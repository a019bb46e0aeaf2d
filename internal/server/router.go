package server

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crm-mail-ingest-go/internal/handlers"
)

// SetupRouter sets up all HTTP routes
func SetupRouter(h *handlers.Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	// Health check
	router.GET("/healthz", h.HealthCheck)

	// Prometheus metrics
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API routes
	api := router.Group("/api/v1")
	{
		listener := api.Group("/listener")
		{
			listener.POST("/start", h.StartListener)
			listener.POST("/stop", h.StopListener)
			listener.GET("/status", h.GetStatus)
			listener.POST("/sync", h.TriggerSync)
			listener.POST("/cache/refresh", h.RefreshUserCache)
			listener.POST("/dedup/clear", h.ClearDedupCache)
		}
	}

	return router
}
