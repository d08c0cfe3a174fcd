package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alllike996/speedtest-esa/internal/errorhandler"
	"github.com/alllike996/speedtest-esa/internal/metrics"
	"github.com/alllike996/speedtest-esa/internal/tester"
	"github.com/alllike996/speedtest-esa/internal/workerpool"
	"github.com/alllike996/speedtest-esa/pkg/models"
)

// peakWindowSize is the number of live ticks the peak speed is measured over
const peakWindowSize = 10

// transfer is one worker's loop for a throughput phase
type transfer func(ctx context.Context, counter *atomic.Uint64) error

// phaseResult is the outcome of a throughput phase
type phaseResult struct {
	Bytes   uint64
	Elapsed time.Duration
	Mbps    float64
	Peak    float64
}

func (c *Controller) runPhases(ctx context.Context, s *Session, st *tester.SpeedTester, result *models.SessionResult) error {
	latency, samples, err := c.runLatencyPhase(ctx, s, st)
	result.LatencySamples = samples
	if err != nil {
		return err
	}
	result.LatencyMs = latency

	down, err := c.runThroughputPhase(ctx, s, models.PhaseDownload, st.Download)
	result.DownloadMbps = down.Mbps
	result.PeakDownloadMbps = down.Peak
	result.DownloadBytes = down.Bytes
	if err != nil {
		return err
	}

	up, err := c.runThroughputPhase(ctx, s, models.PhaseUpload, st.Upload)
	result.UploadMbps = up.Mbps
	result.PeakUploadMbps = up.Peak
	result.UploadBytes = up.Bytes
	return err
}

// runLatencyPhase sends sequential probes and returns the mean round trip in
// milliseconds over the probes that succeeded.
func (c *Controller) runLatencyPhase(ctx context.Context, s *Session, st *tester.SpeedTester) (float64, []float64, error) {
	s.enterPhase(models.PhaseLatency)
	samples := make([]float64, 0, c.cfg.LatencySamples)

	for i := range c.cfg.LatencySamples {
		if ctx.Err() != nil {
			return 0, samples, errorhandler.ErrStopped
		}

		rtt, err := st.Ping(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return 0, samples, errorhandler.ErrStopped
		case err != nil:
			c.errors.Record(err, "controller", "ping")
		default:
			ms := float64(rtt.Microseconds()) / 1000
			samples = append(samples, ms)
			c.emit(s.record(models.Tick{Phase: models.PhaseLatency, LatencyMs: ms}, 0))
			c.logger.Debug("latency probe",
				slog.Int("probe", i+1),
				slog.Float64("rtt_ms", ms))
		}

		if err := sleep(ctx, c.cfg.ProbeDelay); err != nil {
			return 0, samples, errorhandler.ErrStopped
		}
	}

	if len(samples) == 0 {
		return 0, samples, errorhandler.ErrNoConnectivity
	}
	mean := Mean(samples)
	c.emit(s.record(models.Tick{Phase: models.PhaseLatency, LatencyMs: mean, Final: true}, 0))
	return mean, samples, nil
}

// runThroughputPhase runs the worker pool for the phase duration, then cancels
// and joins the workers and computes the speed over the measured elapsed time.
func (c *Controller) runThroughputPhase(ctx context.Context, s *Session, phase models.Phase, work transfer) (phaseResult, error) {
	if ctx.Err() != nil {
		return phaseResult{}, errorhandler.ErrStopped
	}
	s.enterPhase(phase)

	pool := workerpool.New(c.cfg.Threads, c.logger)
	pool.SetStopTimeout(c.cfg.StopTimeout)
	s.setPool(pool)
	err := pool.Start(ctx, func(wctx context.Context, id int) error {
		if err := work(wctx, &s.bytes); err != nil && wctx.Err() == nil {
			c.errors.Record(err, fmt.Sprintf("%s-worker-%d", phase, id), string(phase))
		}
		return nil
	})
	if err != nil {
		return phaseResult{}, fmt.Errorf("failed to start %s workers: %w", phase, err)
	}

	window := metrics.NewSlidingWindow(peakWindowSize)
	tickCtx, stopTick := context.WithCancel(ctx)
	tickDone := make(chan float64, 1)
	go func() {
		tickDone <- c.tickLoop(tickCtx, s, phase, window)
	}()

	stopped := false
	timer := time.NewTimer(c.cfg.PhaseDuration)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		stopped = true
	}

	if err := pool.Stop(); err != nil {
		c.logger.Warn("workers did not stop cleanly",
			slog.String("phase", string(phase)),
			slog.String("error", err.Error()))
	}
	stopTick()
	peak := <-tickDone

	elapsed := s.elapsed(time.Now())
	total := s.bytes.Load()
	res := phaseResult{
		Bytes:   total,
		Elapsed: elapsed,
		Mbps:    Mbps(total, elapsed),
		Peak:    peak,
	}
	if stopped {
		return res, errorhandler.ErrStopped
	}

	c.emit(s.record(models.Tick{
		Phase:   phase,
		Elapsed: elapsed.Seconds(),
		Mbps:    res.Mbps,
		Bytes:   total,
		Final:   true,
	}, phaseBoundary(phase)))

	c.logger.Info("phase finished",
		slog.String("phase", string(phase)),
		slog.Float64("mbps", res.Mbps),
		slog.Uint64("bytes", total),
		slog.Duration("elapsed", elapsed))
	return res, nil
}

// tickLoop emits a live tick every interval until ctx is done and returns the
// peak windowed speed it saw.
func (c *Controller) tickLoop(ctx context.Context, s *Session, phase models.Phase, window *metrics.SlidingWindow) float64 {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	peak := 0.0
	for {
		select {
		case <-ctx.Done():
			return peak
		case now := <-ticker.C:
			tick, ok := s.sample(phase, now, c.cfg.PhaseDuration)
			if !ok {
				continue
			}
			window.AddSample(metrics.SpeedSample{
				Timestamp: now,
				Speed:     tick.Mbps,
				Bytes:     tick.Bytes,
				Duration:  tick.Elapsed,
			})
			peak = max(peak, window.WindowedSpeed())
			c.emit(tick)
		}
	}
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
