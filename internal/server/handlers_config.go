package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// getConfig returns the running configuration. Secrets are not serialized.
func (s *Server) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.config)
}
