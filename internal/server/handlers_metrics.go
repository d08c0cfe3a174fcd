package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// getMetrics returns server counters and error statistics
func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"metrics":        s.metrics.GetAllMetrics(),
		"uptime_seconds": s.metrics.Uptime().Seconds(),
		"error_stats":    s.errors.GetErrorStats(),
		"live_clients":   s.hub.ClientCount(),
		"dropped_ticks":  s.hub.Dropped(),
		"history":        s.results.Enabled(),
		"history_store":  s.results.Backend(),
		"timestamp":      time.Now(),
	})
}
