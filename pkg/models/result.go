package models

import "time"

// Phase identifies the stage a measurement session is in
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseLatency  Phase = "latency"
	PhaseDownload Phase = "download"
	PhaseUpload   Phase = "upload"
	PhaseDone     Phase = "done"
	PhaseStopped  Phase = "stopped"
)

// Status is the terminal outcome of a session
type Status string

const (
	StatusDone    Status = "done"
	StatusStopped Status = "stopped"
	StatusFailed  Status = "failed"
)

// SessionResult represents the outcome of one full latency/download/upload run.
// DownloadMbps and UploadMbps are averages over the whole phase. The peak
// values are the highest windowed speed seen on a live tick, where the
// windowed speed is the bytes moved between the oldest and newest of the last
// ten ticks divided by the time between them.
type SessionResult struct {
	ID               string        `json:"id"`
	Target           string        `json:"target"`
	Protocol         string        `json:"protocol"`
	Status           Status        `json:"status"`
	Error            string        `json:"error,omitempty"`
	StartedAt        time.Time     `json:"started_at"`
	FinishedAt       time.Time     `json:"finished_at"`
	LatencyMs        float64       `json:"latency_ms"`
	LatencySamples   []float64     `json:"latency_samples,omitempty"`
	DownloadMbps     float64       `json:"download_mbps"`
	UploadMbps       float64       `json:"upload_mbps"`
	PeakDownloadMbps float64       `json:"peak_download_mbps"`
	PeakUploadMbps   float64       `json:"peak_upload_mbps"`
	DownloadBytes    uint64        `json:"download_bytes"`
	UploadBytes      uint64        `json:"upload_bytes"`
	Threads          int           `json:"threads"`
	PhaseDuration    time.Duration `json:"phase_duration"`
}

// Tick is a live progress report emitted while a session runs
type Tick struct {
	SessionID string    `json:"session_id"`
	Phase     Phase     `json:"phase"`
	Elapsed   float64   `json:"elapsed"` // seconds since phase start
	Mbps      float64   `json:"mbps"`
	Bytes     uint64    `json:"bytes"` // bytes moved since phase start
	LatencyMs float64   `json:"latency_ms,omitempty"`
	Progress  float64   `json:"progress"` // 0-100 over the whole run
	Final     bool      `json:"final"`
	Timestamp time.Time `json:"timestamp"`
}

// TestStats holds aggregate statistics over stored results
type TestStats struct {
	Total        int     `json:"total"`
	Done         int     `json:"done"`
	Stopped      int     `json:"stopped"`
	Failed       int     `json:"failed"`
	AvgLatency   float64 `json:"avg_latency_ms"`
	AvgDownload  float64 `json:"avg_download_mbps"`
	AvgUpload    float64 `json:"avg_upload_mbps"`
	BestDownload float64 `json:"best_download_mbps"`
	BestUpload   float64 `json:"best_upload_mbps"`
}
