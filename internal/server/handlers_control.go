package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/alllike996/speedtest-esa/internal/errorhandler"
	"github.com/gin-gonic/gin"
)

// startTest starts a server-side session against the probe target
func (s *Server) startTest(c *gin.Context) {
	id, err := s.controller.StartAsync(s.runCtx)
	if errors.Is(err, errorhandler.ErrAlreadyRunning) {
		s.writeError(c, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.writeError(c, http.StatusInternalServerError, "failed to start test: "+err.Error())
		return
	}

	s.logger.Info("remote probe started",
		slog.String("session", id),
		slog.String("target", s.controller.Config().Target))
	c.JSON(http.StatusAccepted, gin.H{
		"message":    "test started",
		"session_id": id,
		"target":     s.controller.Config().Target,
	})
}

// stopTest stops the running session, if any
func (s *Server) stopTest(c *gin.Context) {
	s.controller.Stop()
	c.JSON(http.StatusOK, gin.H{"message": "test stopped"})
}

// getStatus returns the controller state
func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.controller.Status())
}

// liveTicks streams ticks over a websocket
func (s *Server) liveTicks(c *gin.Context) {
	s.hub.ServeWS(c.Writer, c.Request, s.controller.Status())
}
