package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/calltrics/calltrics/pkg/logger"
)

// NewRouter assembles the admin/observability HTTP surface. Nil handlers
// leave their routes unregistered.
func NewRouter(cacheHandler *CacheHandler, monHandler *MonitoringHandler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")

	if cacheHandler != nil {
		group := api.Group("/admin/cache")
		group.GET("/stats", cacheHandler.Stats)
		group.GET("/triggers", cacheHandler.TriggerHealth)
		group.POST("/invalidate/tenants/:tenantID", cacheHandler.InvalidateUser)
		group.POST("/invalidate/tenants/:tenantID/agents/:agentID", cacheHandler.InvalidateAgent)
		group.POST("/clear", cacheHandler.EmergencyClear)
	}

	if monHandler != nil {
		group := api.Group("/monitoring")
		group.GET("/health", monHandler.Health)
		group.GET("/export", monHandler.Metrics)
		group.GET("/alerts", monHandler.Alerts)
		group.POST("/alerts/:alertID/acknowledge", monHandler.AcknowledgeAlert)
		group.POST("/alerts/:alertID/resolve", monHandler.ResolveAlert)
	}

	return router
}

func requestLogger() gin.HandlerFunc {
	log := logger.WithModule("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		)
	}
}
