package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/alllike996/speedtest-esa/internal/resultmanager"
	"github.com/alllike996/speedtest-esa/internal/server"
	"github.com/alllike996/speedtest-esa/internal/yamlconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDisplayAddr(t *testing.T) {
	assert.Equal(t, "localhost:8080", displayAddr(":8080"))
	assert.Equal(t, "10.0.0.1:9000", displayAddr("10.0.0.1:9000"))
}

func TestFetchResults(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/results", r.URL.Path)
		assert.Equal(t, "7", r.URL.Query().Get("limit"))
		_, _ = io.WriteString(w, `{"results":[{"id":"a","status":"done","download_mbps":12.5}],"count":1}`)
	}))
	defer ts.Close()

	results, err := fetchResults(context.Background(), ts.URL+"/", 7)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, 12.5, results[0].DownloadMbps)
}

func TestFetchResultsStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "history is disabled", http.StatusNotFound)
	}))
	defer ts.Close()

	_, err := fetchResults(context.Background(), ts.URL, 10)
	assert.ErrorContains(t, err, "404")
}

func TestEmbeddedAssets(t *testing.T) {
	cfg := yamlconfig.DefaultConfig()
	srv, err := server.New(cfg, staticFS, nil, quietLogger())
	require.NoError(t, err)
	defer srv.Close()

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)
	page := w.Body.String()
	assert.Contains(t, page, "const RETRY_BACKOFF =  100 ;")
	// download workers reopen streams until the phase ends
	assert.Contains(t, page, "while (isRunning && !signal.aborted)")
	// stopping resolves pending sleeps
	assert.Contains(t, page, `signal.addEventListener("abort"`)
}

func TestRunCommandAgainstServer(t *testing.T) {
	cfg := yamlconfig.DefaultConfig()
	cfg.Server.ChunkSize = 256 << 10
	results := resultmanager.New(resultmanager.NewMemoryStore(10, 0), quietLogger())
	srv, err := server.New(cfg, staticFS, results, quietLogger())
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Close()

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	app := createCliApp()
	err = app.Run([]string{AppName,
		"--config", configPath,
		"--log-level", "error",
		"run",
		"--server", ts.URL,
		"--threads", "2",
		"--samples", "2",
		"--duration", "300ms",
		"--tick", "100ms",
		"--json",
	})
	require.NoError(t, err)
	assert.FileExists(t, configPath)
}

func TestRunCommandRejectsBadProtocol(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	err := createCliApp().Run([]string{AppName,
		"--config", configPath,
		"run",
		"--server", "http://127.0.0.1:1",
		"--protocol", "h9",
	})
	assert.ErrorContains(t, err, "h9")
}

func TestRunCommandRejectsInvalidConfigFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("test:\n  threads: 100\n"), 0644))

	err := createCliApp().Run([]string{AppName,
		"--config", configPath,
		"run",
		"--server", "http://127.0.0.1:1",
	})
	assert.ErrorContains(t, err, "invalid config")
	assert.ErrorContains(t, err, "test.threads")
}
