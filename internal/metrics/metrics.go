package metrics

import (
	"sync"
	"time"
)

// MetricType represents different types of metrics
type MetricType string

const (
	MetricTypeCounter MetricType = "counter"
	MetricTypeGauge   MetricType = "gauge"
)

// Server-side metric names
const (
	BytesServed   = "bytes_served"
	BytesReceived = "bytes_received"
	Pings         = "pings"
	DownStreams   = "down_streams"
	UpRequests    = "up_requests"
	ActiveStreams = "active_streams"
)

// Metric represents a single metric
type Metric struct {
	Name        string            `json:"name"`
	Type        MetricType        `json:"type"`
	Value       float64           `json:"value"`
	Count       int64             `json:"count"`
	LastUpdated time.Time         `json:"last_updated"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// Metrics holds counters and gauges for the measurement endpoints
type Metrics struct {
	mu        sync.RWMutex
	metrics   map[string]*Metric
	startTime time.Time
}

// New creates a new metrics registry
func New() *Metrics {
	return &Metrics{
		metrics:   make(map[string]*Metric),
		startTime: time.Now(),
	}
}

// RecordCounter adds value to a counter metric
func (m *Metrics) RecordCounter(name string, value float64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metric := m.getOrCreate(name, MetricTypeCounter, tags)
	metric.Value += value
	metric.Count++
	metric.LastUpdated = time.Now()
}

// AdjustGauge moves a gauge metric by delta
func (m *Metrics) AdjustGauge(name string, delta float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metric := m.getOrCreate(name, MetricTypeGauge, nil)
	metric.Value += delta
	metric.Count++
	metric.LastUpdated = time.Now()
}

// getOrCreate must be called with m.mu held
func (m *Metrics) getOrCreate(name string, metricType MetricType, tags map[string]string) *Metric {
	metric, exists := m.metrics[name]
	if !exists {
		metric = &Metric{Name: name, Type: metricType, Tags: tags}
		m.metrics[name] = metric
	}
	return metric
}

// Value returns the current value of a metric, or 0 if it was never recorded
func (m *Metrics) Value(name string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if metric, exists := m.metrics[name]; exists {
		return metric.Value
	}
	return 0
}

// GetAllMetrics returns copies of all metrics
func (m *Metrics) GetAllMetrics() map[string]*Metric {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*Metric, len(m.metrics))
	for name, metric := range m.metrics {
		cp := *metric
		result[name] = &cp
	}
	return result
}

// Uptime returns the time since the registry was created
func (m *Metrics) Uptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.startTime)
}
