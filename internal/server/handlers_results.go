package server

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/alllike996/speedtest-esa/internal/resultmanager"
	"github.com/gin-gonic/gin"
)

const defaultResultLimit = 50

// getResults returns recent results, optionally sorted
func (s *Server) getResults(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultResultLimit)))
	if err != nil || limit < 0 {
		limit = defaultResultLimit
	}

	results, err := s.results.GetResults(c.Request.Context(), limit)
	if errors.Is(err, resultmanager.ErrNoStore) {
		s.writeError(c, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.writeError(c, http.StatusInternalServerError, "failed to load results: "+err.Error())
		return
	}

	if sortBy := c.Query("sort"); sortBy != "" {
		resultmanager.SortResults(results, sortBy, c.DefaultQuery("order", "desc") == "asc")
	}

	c.JSON(http.StatusOK, gin.H{
		"results":    results,
		"count":      len(results),
		"backend":    s.results.Backend(),
		"statistics": resultmanager.ComputeStats(results),
	})
}

// getResultStats returns aggregate statistics over every stored result
func (s *Server) getResultStats(c *gin.Context) {
	stats, err := s.results.GetStats(c.Request.Context())
	if errors.Is(err, resultmanager.ErrNoStore) {
		s.writeError(c, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.writeError(c, http.StatusInternalServerError, "failed to load results: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, stats)
}

// exportResults exports results in the requested format
func (s *Server) exportResults(c *gin.Context) {
	format, err := resultmanager.ParseFormat(c.Param("format"))
	if err != nil {
		s.writeError(c, http.StatusBadRequest, "Unsupported format. Use csv, json, or txt")
		return
	}
	sortBy := c.DefaultQuery("sort", "time")
	ascending := c.DefaultQuery("order", "desc") == "asc"

	var buf bytes.Buffer
	err = s.results.Export(c.Request.Context(), &buf, format, sortBy, ascending)
	if errors.Is(err, resultmanager.ErrNoStore) {
		s.writeError(c, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.writeError(c, http.StatusInternalServerError, "Failed to export results: "+err.Error())
		return
	}

	var contentType string
	switch format {
	case resultmanager.FormatCSV:
		contentType = "text/csv"
	case resultmanager.FormatJSON:
		contentType = "application/json"
	default:
		contentType = "text/plain"
	}
	filename := fmt.Sprintf("speedtest-%s.%s", time.Now().Format("20060102-150405"), format)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	c.Data(http.StatusOK, contentType, buf.Bytes())
}

// clearResults clears all stored results
func (s *Server) clearResults(c *gin.Context) {
	err := s.results.Clear(c.Request.Context())
	if errors.Is(err, resultmanager.ErrNoStore) {
		s.writeError(c, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.writeError(c, http.StatusInternalServerError, "failed to clear results: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "results cleared"})
}
