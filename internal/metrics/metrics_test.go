package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordCounterConcurrent(t *testing.T) {
	m := New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.RecordCounter(BytesServed, 1024, nil)
			}
		}()
	}
	wg.Wait()

	metric := m.GetAllMetrics()[BytesServed]
	require.NotNil(t, metric)
	assert.Equal(t, MetricTypeCounter, metric.Type)
	assert.Equal(t, float64(8*1000*1024), metric.Value)
	assert.Equal(t, int64(8000), metric.Count)
}

func TestAdjustGauge(t *testing.T) {
	m := New()

	m.AdjustGauge(ActiveStreams, 1)
	m.AdjustGauge(ActiveStreams, 1)
	m.AdjustGauge(ActiveStreams, -1)
	assert.Equal(t, 1.0, m.Value(ActiveStreams))
	assert.Equal(t, MetricTypeGauge, m.GetAllMetrics()[ActiveStreams].Type)
}

func TestGetAllMetricsReturnsCopies(t *testing.T) {
	m := New()
	m.RecordCounter(Pings, 1, map[string]string{"proto": "h1"})

	all := m.GetAllMetrics()
	all[Pings].Value = 999

	assert.Equal(t, 1.0, m.Value(Pings))
	assert.Equal(t, "h1", all[Pings].Tags["proto"])
	assert.Zero(t, m.Value("missing"))
	assert.Less(t, m.Uptime(), time.Second)
}

func TestSlidingWindowEviction(t *testing.T) {
	sw := NewSlidingWindow(3)
	// 1 MiB per second for the first two samples, 2 MiB per second afterwards
	for i, bytes := range []uint64{1 << 20, 2 << 20, 4 << 20, 6 << 20, 8 << 20} {
		sw.AddSample(SpeedSample{Bytes: bytes, Duration: float64(i + 1)})
	}

	// the window holds samples 3 to 5 only
	assert.InDelta(t, 16.0, sw.WindowedSpeed(), 1e-9)
}

func TestWindowedSpeed(t *testing.T) {
	sw := NewSlidingWindow(10)
	assert.Zero(t, sw.WindowedSpeed())

	sw.AddSample(SpeedSample{Speed: 7, Bytes: 0, Duration: 1})
	assert.Equal(t, 7.0, sw.WindowedSpeed())

	// 1 MiB over 1 second = 8 Mbps
	sw.AddSample(SpeedSample{Speed: 7, Bytes: 1 << 20, Duration: 2})
	assert.InDelta(t, 8.0, sw.WindowedSpeed(), 1e-9)
}

func TestWindowedSpeedFallsBackToAverage(t *testing.T) {
	sw := NewSlidingWindow(4)
	sw.AddSample(SpeedSample{Speed: 10, Bytes: 100, Duration: 1})
	sw.AddSample(SpeedSample{Speed: 20, Bytes: 100, Duration: 1})

	assert.Equal(t, 15.0, sw.WindowedSpeed())
}
