package controller

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/alllike996/speedtest-esa/internal/workerpool"
	"github.com/alllike996/speedtest-esa/pkg/models"
	"github.com/google/uuid"
)

// Session holds the mutable state of one run. The byte counter is shared by
// reference with every worker of the current throughput phase.
type Session struct {
	ID string

	bytes atomic.Uint64

	mu         sync.RWMutex
	phase      models.Phase
	phaseStart time.Time
	progress   float64
	lastTick   *models.Tick
	pool       *workerpool.WorkerPool
}

func newSession() *Session {
	return &Session{
		ID:    uuid.NewString(),
		phase: models.PhaseIdle,
	}
}

// enterPhase makes phase current and resets the byte counter and clock
func (s *Session) enterPhase(phase models.Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.phase = phase
	s.phaseStart = time.Now()
	s.bytes.Store(0)
}

// setPhase changes the phase without touching counters
func (s *Session) setPhase(phase models.Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = phase
}

// Phase returns the current phase
func (s *Session) Phase() models.Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Progress returns the overall progress reached so far
func (s *Session) Progress() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.progress
}

// LastTick returns a copy of the last emitted tick, or nil
func (s *Session) LastTick() *models.Tick {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastTick == nil {
		return nil
	}
	t := *s.lastTick
	return &t
}

// setPool records the worker pool of the current throughput phase
func (s *Session) setPool(pool *workerpool.WorkerPool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pool = pool
}

// WorkerStats returns the worker pool statistics of the latest throughput
// phase, or nil before the first one starts
func (s *Session) WorkerStats() *workerpool.WorkerPoolStats {
	s.mu.RLock()
	pool := s.pool
	s.mu.RUnlock()
	if pool == nil {
		return nil
	}
	stats := pool.GetStats()
	return &stats
}

func (s *Session) elapsed(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return now.Sub(s.phaseStart)
}

// sample builds the live tick for a throughput phase. It reports false while
// the phase is too young to give a meaningful speed.
func (s *Session) sample(phase models.Phase, now time.Time, duration time.Duration) (models.Tick, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elapsed := now.Sub(s.phaseStart)
	if elapsed <= minTickElapsed {
		return models.Tick{}, false
	}
	bytes := s.bytes.Load()
	s.progress = max(s.progress, Progress(phase, elapsed, duration))

	tick := models.Tick{
		SessionID: s.ID,
		Phase:     phase,
		Elapsed:   elapsed.Seconds(),
		Mbps:      Mbps(bytes, elapsed),
		Bytes:     bytes,
		Progress:  s.progress,
		Timestamp: now,
	}
	s.lastTick = &tick
	return tick, true
}

// record stores tick as the last one, filling in session and progress.
// Progress is pinned to at least floor and never regresses.
func (s *Session) record(tick models.Tick, floor float64) models.Tick {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.progress = max(s.progress, floor)
	tick.SessionID = s.ID
	tick.Progress = s.progress
	if tick.Timestamp.IsZero() {
		tick.Timestamp = time.Now()
	}
	s.lastTick = &tick
	return tick
}
