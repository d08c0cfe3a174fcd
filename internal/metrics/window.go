package metrics

import (
	"sync"
	"time"
)

// SpeedSample is one live throughput reading taken on a reporting tick
type SpeedSample struct {
	Timestamp time.Time `json:"timestamp"`
	Speed     float64   `json:"speed"`    // Mbps
	Bytes     uint64    `json:"bytes"`    // bytes moved since phase start
	Duration  float64   `json:"duration"` // seconds since phase start
}

// SlidingWindow keeps the most recent speed samples of a phase
type SlidingWindow struct {
	mu      sync.RWMutex
	samples []SpeedSample
	maxSize int
}

// NewSlidingWindow creates a window holding up to maxSize samples
func NewSlidingWindow(maxSize int) *SlidingWindow {
	if maxSize < 1 {
		maxSize = 1
	}
	return &SlidingWindow{
		samples: make([]SpeedSample, 0, maxSize),
		maxSize: maxSize,
	}
}

// AddSample adds a sample, evicting the oldest when full
func (sw *SlidingWindow) AddSample(sample SpeedSample) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.samples = append(sw.samples, sample)
	if len(sw.samples) > sw.maxSize {
		sw.samples = sw.samples[len(sw.samples)-sw.maxSize:]
	}
}

// WindowedSpeed returns the throughput between the oldest and newest sample in
// the window, falling back to the plain average when they cannot be compared.
func (sw *SlidingWindow) WindowedSpeed() float64 {
	sw.mu.RLock()
	defer sw.mu.RUnlock()

	switch len(sw.samples) {
	case 0:
		return 0
	case 1:
		return sw.samples[0].Speed
	}

	first := sw.samples[0]
	last := sw.samples[len(sw.samples)-1]
	timeDiff := last.Duration - first.Duration
	if timeDiff > 0 && last.Bytes > first.Bytes {
		return float64(last.Bytes-first.Bytes) * 8 / (1 << 20) / timeDiff
	}

	total := 0.0
	for _, s := range sw.samples {
		total += s.Speed
	}
	return total / float64(len(sw.samples))
}
