// Package tui renders a live terminal dashboard for a measurement session.
package tui

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alllike996/speedtest-esa/pkg/models"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

const (
	refreshInterval = 100 * time.Millisecond
	barWidth        = 40
)

// RunFunc runs one session. It must return promptly once ctx is cancelled.
type RunFunc func(ctx context.Context) (*models.SessionResult, error)

// state is everything the dashboard draws
type state struct {
	phase     models.Phase
	progress  float64
	latencyMs float64
	down      float64
	up        float64
	peakDown  float64
	peakUp    float64
	bytes     uint64
	elapsed   float64
	finished  bool
	message   string
}

// Dashboard shows live ticks of one session
type Dashboard struct {
	app    *tview.Application
	header *tview.TextView
	body   *tview.TextView
	footer *tview.TextView
	flex   *tview.Flex
	title  string

	mu    sync.Mutex
	state state

	cancel   context.CancelFunc
	stopOnce sync.Once
	headless bool
}

// New creates a dashboard titled with the measured target
func New(title string) *Dashboard {
	d := &Dashboard{
		app:    tview.NewApplication(),
		header: tview.NewTextView(),
		body:   tview.NewTextView(),
		footer: tview.NewTextView(),
		title:  title,
		state:  state{phase: models.PhaseIdle},
	}
	d.setupUI()
	d.setupKeyBindings()
	return d
}

func (d *Dashboard) setupUI() {
	d.header.SetDynamicColors(true)
	d.header.SetTextAlign(tview.AlignCenter)
	d.header.SetText(fmt.Sprintf("[green]Speed test[white] - [yellow]%s[white]", tview.Escape(d.title)))

	d.body.SetDynamicColors(true)
	d.body.SetWordWrap(false)
	d.body.SetBorder(true)

	d.footer.SetDynamicColors(true)
	d.footer.SetText("[gray]q / Esc: stop and quit[white]")

	d.flex = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(d.header, 1, 0, false).
		AddItem(d.body, 0, 1, false).
		AddItem(d.footer, 1, 0, false)
	d.app.SetRoot(d.flex, true)
}

func (d *Dashboard) setupKeyBindings() {
	d.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyCtrlC, tcell.KeyEscape:
			d.Stop()
			return nil
		case tcell.KeyRune:
			switch event.Rune() {
			case 'q', 'Q':
				d.Stop()
				return nil
			}
		}
		return event
	})
}

// OnTick records a tick. It never blocks; drawing happens on the refresh loop.
func (d *Dashboard) OnTick(tick models.Tick) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := &d.state
	s.phase = tick.Phase
	if tick.Progress > s.progress {
		s.progress = tick.Progress
	}
	s.bytes = tick.Bytes
	s.elapsed = tick.Elapsed

	switch tick.Phase {
	case models.PhaseLatency:
		s.latencyMs = tick.LatencyMs
	case models.PhaseDownload:
		s.down = tick.Mbps
		s.peakDown = max(s.peakDown, tick.Mbps)
	case models.PhaseUpload:
		s.up = tick.Mbps
		s.peakUp = max(s.peakUp, tick.Mbps)
	}
}

// finish records the session outcome
func (d *Dashboard) finish(result *models.SessionResult, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := &d.state
	s.finished = true
	switch {
	case result != nil && result.Status == models.StatusDone:
		s.phase = models.PhaseDone
		s.progress = 100
		s.latencyMs = result.LatencyMs
		s.down = result.DownloadMbps
		s.up = result.UploadMbps
		s.message = "[green]Finished[white], press q to quit"
	case result != nil && result.Status == models.StatusStopped:
		s.phase = models.PhaseStopped
		s.message = "[yellow]Stopped[white]"
	case err != nil:
		s.message = "[red]Failed:[white] " + tview.Escape(err.Error())
	}
}

// Render returns the body text for the current state
func (d *Dashboard) Render() string {
	d.mu.Lock()
	s := d.state
	d.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "\n  Phase     [yellow]%s[white]\n", s.phase)
	fmt.Fprintf(&b, "  Progress  %s %5.1f%%\n\n", renderBar(s.progress, barWidth), s.progress)
	fmt.Fprintf(&b, "  Latency   %s ms\n", formatValue(s.latencyMs))
	fmt.Fprintf(&b, "  Download  %s Mbps  [gray](peak %.2f)[white]\n", formatValue(s.down), s.peakDown)
	fmt.Fprintf(&b, "  Upload    %s Mbps  [gray](peak %.2f)[white]\n", formatValue(s.up), s.peakUp)
	if s.phase == models.PhaseDownload || s.phase == models.PhaseUpload {
		fmt.Fprintf(&b, "\n  [gray]%d bytes in %.1fs[white]\n", s.bytes, s.elapsed)
	}
	if s.message != "" {
		fmt.Fprintf(&b, "\n  %s\n", s.message)
	}
	return b.String()
}

// Run starts the session and the UI, and returns when the UI exits.
// Quitting the UI cancels a session that is still running. Without a UI
// it returns as soon as the session ends.
func (d *Dashboard) Run(ctx context.Context, run RunFunc) (*models.SessionResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.cancel = cancel

	type outcome struct {
		result *models.SessionResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := run(ctx)
		d.finish(result, err)
		done <- outcome{result, err}
	}()

	stopRefresh := make(chan struct{})
	refreshed := make(chan struct{})
	go d.refresh(ctx, stopRefresh, refreshed)

	var uiErr error
	if !d.headless {
		uiErr = d.app.Run()
		cancel()
	}

	out := <-done
	cancel()
	close(stopRefresh)
	<-refreshed

	if uiErr != nil {
		return out.result, uiErr
	}
	return out.result, out.err
}

// Stop cancels the session and exits the UI
func (d *Dashboard) Stop() {
	d.stopOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		if !d.headless {
			d.app.Stop()
		}
	})
}

// refresh redraws the body until stop is closed. A cancelled parent context
// exits the UI.
func (d *Dashboard) refresh(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !d.headless && ctx.Err() == nil {
				text := d.Render()
				d.app.QueueUpdateDraw(func() { d.body.SetText(text) })
			}
		case <-ctx.Done():
			d.Stop()
			<-stop
			return
		case <-stop:
			return
		}
	}
}

// renderBar draws a progress bar of width cells for progress in [0, 100]
func renderBar(progress float64, width int) string {
	progress = min(max(progress, 0), 100)
	filled := int(progress / 100 * float64(width))
	return "[green]" + strings.Repeat("█", filled) + "[gray]" + strings.Repeat("░", width-filled) + "[white]"
}

func formatValue(v float64) string {
	if v == 0 {
		return "[gray]     -[white]"
	}
	return fmt.Sprintf("[white]%6.2f", v)
}
