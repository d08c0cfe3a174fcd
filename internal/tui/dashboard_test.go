package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alllike996/speedtest-esa/pkg/models"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newHeadless creates a dashboard that tracks state without drawing
func newHeadless(title string) *Dashboard {
	return &Dashboard{
		app:      tview.NewApplication(),
		title:    title,
		state:    state{phase: models.PhaseIdle},
		headless: true,
	}
}

func TestRenderBar(t *testing.T) {
	tests := []struct {
		progress float64
		filled   int
	}{
		{0, 0},
		{50, 5},
		{100, 10},
		{-5, 0},
		{250, 10},
	}
	for _, tt := range tests {
		bar := renderBar(tt.progress, 10)
		assert.Equal(t, tt.filled, strings.Count(bar, "█"), "progress %v", tt.progress)
		assert.Equal(t, 10-tt.filled, strings.Count(bar, "░"), "progress %v", tt.progress)
	}
}

func TestOnTickTracksPhases(t *testing.T) {
	d := newHeadless("http://127.0.0.1:8080")

	d.OnTick(models.Tick{Phase: models.PhaseLatency, LatencyMs: 9.5})
	d.OnTick(models.Tick{Phase: models.PhaseDownload, Mbps: 80, Progress: 20})
	d.OnTick(models.Tick{Phase: models.PhaseDownload, Mbps: 120, Progress: 30, Bytes: 4096, Elapsed: 2})
	d.OnTick(models.Tick{Phase: models.PhaseDownload, Mbps: 100, Progress: 25})

	out := d.Render()
	assert.Contains(t, out, "download")
	assert.Contains(t, out, "  9.50 ms")
	assert.Contains(t, out, "100.00 Mbps")
	assert.Contains(t, out, "(peak 120.00)")
	// progress never moves backwards
	assert.Contains(t, out, " 30.0%")
}

func TestRunWithoutUI(t *testing.T) {
	d := newHeadless("target")

	result, err := d.Run(context.Background(), func(ctx context.Context) (*models.SessionResult, error) {
		d.OnTick(models.Tick{Phase: models.PhaseUpload, Mbps: 42, Progress: 75})
		return &models.SessionResult{Status: models.StatusDone, LatencyMs: 3, DownloadMbps: 90, UploadMbps: 44}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, result.Status)

	out := d.Render()
	assert.Contains(t, out, "done")
	assert.Contains(t, out, "100.0%")
	assert.Contains(t, out, " 44.00 Mbps")
	assert.Contains(t, out, "Finished")
}

func TestRunReportsFailure(t *testing.T) {
	d := newHeadless("target")

	_, err := d.Run(context.Background(), func(ctx context.Context) (*models.SessionResult, error) {
		return &models.SessionResult{Status: models.StatusFailed}, errors.New("no connectivity")
	})
	assert.EqualError(t, err, "no connectivity")
	assert.Contains(t, d.Render(), "Failed:[white] no connectivity")
}

func TestQuitKeyCancelsSession(t *testing.T) {
	d := New("target")
	screen := tcell.NewSimulationScreen("UTF-8")
	d.app.SetScreen(screen)
	screen.SetSize(80, 24)

	running := make(chan struct{})
	go func() {
		<-running
		screen.InjectKey(tcell.KeyRune, 'q', tcell.ModNone)
	}()

	finished := make(chan struct{})
	var result *models.SessionResult
	go func() {
		defer close(finished)
		result, _ = d.Run(context.Background(), func(ctx context.Context) (*models.SessionResult, error) {
			close(running)
			<-ctx.Done()
			return &models.SessionResult{Status: models.StatusStopped}, nil
		})
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("dashboard did not exit on q")
	}
	require.NotNil(t, result)
	assert.Equal(t, models.StatusStopped, result.Status)
}
