package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alllike996/speedtest-esa/internal/errorhandler"
	"golang.org/x/sync/errgroup"
)

// DefaultStopTimeout bounds how long Stop waits for workers to unwind
const DefaultStopTimeout = 10 * time.Second

// Worker is a long-running transfer loop. It must return once ctx is done.
type Worker func(ctx context.Context, id int) error

// WorkerPool runs a fixed number of workers that share one cancellation context
type WorkerPool struct {
	workerCount int
	stopTimeout time.Duration
	logger      *slog.Logger

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	active  atomic.Int32
	failed  atomic.Int32
}

// New creates a new worker pool
func New(workerCount int, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		workerCount: workerCount,
		stopTimeout: DefaultStopTimeout,
		logger:      logger.With(slog.String("component", "workerpool")),
	}
}

// SetStopTimeout changes how long Stop waits for workers
func (wp *WorkerPool) SetStopTimeout(d time.Duration) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	wp.stopTimeout = d
}

// Start launches workerCount copies of worker bound to a child of parent
func (wp *WorkerPool) Start(parent context.Context, worker Worker) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.running {
		return fmt.Errorf("worker pool is already running")
	}
	if wp.workerCount < 1 {
		return fmt.Errorf("worker pool needs at least one worker, got %d", wp.workerCount)
	}

	ctx, cancel := context.WithCancel(parent)
	wp.cancel = cancel
	wp.group = &errgroup.Group{}
	wp.failed.Store(0)

	for i := 0; i < wp.workerCount; i++ {
		id := i + 1
		wp.active.Add(1)
		wp.group.Go(func() (err error) {
			defer wp.active.Add(-1)
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("worker %d panic: %v", id, r)
				}
				if err != nil && !errorhandler.IsExpectedClose(err) {
					wp.failed.Add(1)
					wp.logger.Warn("worker exited with error",
						slog.Int("worker", id),
						slog.String("error", err.Error()))
				}
			}()
			return worker(ctx, id)
		})
	}

	wp.running = true
	wp.logger.Debug("worker pool started", slog.Int("workers", wp.workerCount))
	return nil
}

// Stop cancels the shared context and waits for every worker to return.
// Worker errors are logged, never returned; only a join timeout is an error.
func (wp *WorkerPool) Stop() error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if !wp.running {
		return fmt.Errorf("worker pool is not running")
	}

	wp.cancel()

	done := make(chan struct{})
	go func() {
		_ = wp.group.Wait()
		close(done)
	}()

	wp.running = false

	timer := time.NewTimer(wp.stopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		wp.logger.Debug("worker pool stopped")
		return nil
	case <-timer.C:
		return errors.New("timeout waiting for workers to stop")
	}
}

// IsRunning returns whether the worker pool is currently running
func (wp *WorkerPool) IsRunning() bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	return wp.running
}

// GetActiveWorkers returns the number of workers that have not returned yet
func (wp *WorkerPool) GetActiveWorkers() int {
	return int(wp.active.Load())
}

// WorkerPoolStats represents statistics about the worker pool
type WorkerPoolStats struct {
	WorkerCount   int  `json:"worker_count"`
	ActiveWorkers int  `json:"active_workers"`
	FailedWorkers int  `json:"failed_workers"`
	Running       bool `json:"running"`
}

// GetStats returns current statistics about the worker pool
func (wp *WorkerPool) GetStats() WorkerPoolStats {
	return WorkerPoolStats{
		WorkerCount:   wp.workerCount,
		ActiveWorkers: wp.GetActiveWorkers(),
		FailedWorkers: int(wp.failed.Load()),
		Running:       wp.IsRunning(),
	}
}
