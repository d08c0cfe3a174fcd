package server

import (
	"log/slog"
	"net/http"

	"github.com/alllike996/speedtest-esa/internal/errorhandler"
	"github.com/alllike996/speedtest-esa/internal/metrics"
	"github.com/alllike996/speedtest-esa/internal/stream"
	"github.com/gin-gonic/gin"
)

func (s *Server) writeError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

// handleDown streams the shared chunk until the client goes away
func (s *Server) handleDown(c *gin.Context) {
	h := c.Writer.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Encoding", "identity")
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate")
	h.Set("Pragma", "no-cache")
	c.Status(http.StatusOK)

	s.metrics.RecordCounter(metrics.DownStreams, 1, nil)
	s.metrics.AdjustGauge(metrics.ActiveStreams, 1)
	defer s.metrics.AdjustGauge(metrics.ActiveStreams, -1)

	n, err := s.source.Stream(c.Request.Context(), c.Writer)
	s.metrics.RecordCounter(metrics.BytesServed, float64(n), nil)
	if err != nil && !errorhandler.IsExpectedClose(err) {
		s.logger.Debug("download stream ended",
			slog.Int64("bytes", n),
			slog.String("error", err.Error()))
	}
}

// handleUp drains the request body and acknowledges it
func (s *Server) handleUp(c *gin.Context) {
	n, err := stream.Drain(c.Request.Body)
	s.metrics.RecordCounter(metrics.UpRequests, 1, nil)
	s.metrics.RecordCounter(metrics.BytesReceived, float64(n), nil)
	if err != nil && !errorhandler.IsExpectedClose(err) {
		s.logger.Debug("upload body abandoned",
			slog.Int64("bytes", n),
			slog.String("error", err.Error()))
	}

	c.Header("Cache-Control", "no-store")
	c.String(http.StatusOK, "ok")
}

// handlePing answers latency probes
func (s *Server) handlePing(c *gin.Context) {
	s.metrics.RecordCounter(metrics.Pings, 1, nil)
	c.Header("Cache-Control", "no-store, no-cache")
	c.String(http.StatusOK, "pong")
}

func (s *Server) handleFavicon(c *gin.Context) {
	c.Header("Cache-Control", "public, max-age=86400")
	c.Data(http.StatusOK, "image/png", s.favicon)
}

// indexHandler serves the main HTML page for / and every unmatched path
func (s *Server) indexHandler(c *gin.Context) {
	c.Data(http.StatusOK, "text/html;charset=UTF-8", s.page)
}
