package controller

import (
	"time"

	"github.com/alllike996/speedtest-esa/pkg/models"
)

// minTickElapsed suppresses the divide-by-near-zero spike on the first tick
const minTickElapsed = 100 * time.Millisecond

// Mbps converts bytes moved over elapsed into megabits per second,
// using 1 Mb = 1,048,576 bits.
func Mbps(bytes uint64, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(bytes) * 8 / (1 << 20) / secs
}

// Progress maps the elapsed time of a throughput phase onto the overall
// 0-100 scale. Download covers [0,50] and upload covers [50,100].
func Progress(phase models.Phase, elapsed, duration time.Duration) float64 {
	p := 0.0
	if duration > 0 && elapsed > 0 {
		p = min(50, elapsed.Seconds()/duration.Seconds()*50)
	}

	switch phase {
	case models.PhaseDownload:
		return p
	case models.PhaseUpload:
		return 50 + p
	case models.PhaseDone:
		return 100
	default:
		return 0
	}
}

// phaseBoundary is the progress value a phase ends on
func phaseBoundary(phase models.Phase) float64 {
	switch phase {
	case models.PhaseDownload:
		return 50
	case models.PhaseUpload, models.PhaseDone:
		return 100
	default:
		return 0
	}
}

// Mean returns the arithmetic mean of samples, or 0 for none
func Mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	total := 0.0
	for _, s := range samples {
		total += s
	}
	return total / float64(len(samples))
}
