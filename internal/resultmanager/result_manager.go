package resultmanager

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alllike996/speedtest-esa/pkg/models"
)

// ExportFormat represents different export formats
type ExportFormat string

const (
	FormatCSV  ExportFormat = "csv"
	FormatJSON ExportFormat = "json"
	FormatTXT  ExportFormat = "txt"
)

// ErrNoStore is returned when history is disabled
var ErrNoStore = errors.New("result history is disabled")

// ParseFormat converts a format name to an ExportFormat
func ParseFormat(s string) (ExportFormat, error) {
	switch f := ExportFormat(strings.ToLower(s)); f {
	case FormatCSV, FormatJSON, FormatTXT:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported export format: %s", s)
	}
}

// ResultManager stores finished session results and exports them
type ResultManager struct {
	store  Store
	logger *slog.Logger
}

// New creates a result manager on top of store. A nil store disables history.
func New(store Store, logger *slog.Logger) *ResultManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResultManager{
		store:  store,
		logger: logger.With(slog.String("component", "resultmanager")),
	}
}

// Enabled reports whether results are stored
func (rm *ResultManager) Enabled() bool {
	return rm.store != nil
}

// Backend returns the name of the store in use
func (rm *ResultManager) Backend() string {
	if rm.store == nil {
		return BackendNone
	}
	return rm.store.Name()
}

// Add stores a finished result. With history disabled it does nothing.
func (rm *ResultManager) Add(ctx context.Context, result *models.SessionResult) error {
	if result == nil {
		return fmt.Errorf("result cannot be nil")
	}
	if rm.store == nil {
		return nil
	}
	if err := rm.store.Save(ctx, result); err != nil {
		return err
	}
	rm.logger.Debug("result stored",
		slog.String("session", result.ID),
		slog.String("backend", rm.store.Name()))
	return nil
}

// GetResults returns up to limit results, newest first
func (rm *ResultManager) GetResults(ctx context.Context, limit int) ([]*models.SessionResult, error) {
	if rm.store == nil {
		return nil, ErrNoStore
	}
	return rm.store.List(ctx, limit)
}

// GetSortedResults returns every stored result sorted by the given criteria
func (rm *ResultManager) GetSortedResults(ctx context.Context, sortBy string, ascending bool) ([]*models.SessionResult, error) {
	results, err := rm.GetResults(ctx, 0)
	if err != nil {
		return nil, err
	}
	SortResults(results, sortBy, ascending)
	return results, nil
}

// SortResults sorts results in place by download, upload, latency or time.
func SortResults(results []*models.SessionResult, sortBy string, ascending bool) {
	sort.SliceStable(results, func(i, j int) bool {
		var less bool
		switch sortBy {
		case "download":
			less = results[i].DownloadMbps < results[j].DownloadMbps
		case "upload":
			less = results[i].UploadMbps < results[j].UploadMbps
		case "latency":
			less = results[i].LatencyMs < results[j].LatencyMs
		default: // time
			less = results[i].StartedAt.Before(results[j].StartedAt)
		}

		if ascending {
			return less
		}
		return !less
	})
}

// GetStats returns aggregate statistics over stored results
func (rm *ResultManager) GetStats(ctx context.Context) (*models.TestStats, error) {
	results, err := rm.GetResults(ctx, 0)
	if err != nil {
		return nil, err
	}
	return ComputeStats(results), nil
}

// ComputeStats aggregates results. Averages cover completed runs only.
func ComputeStats(results []*models.SessionResult) *models.TestStats {
	stats := &models.TestStats{Total: len(results)}

	var latency, download, upload float64
	for _, r := range results {
		switch r.Status {
		case models.StatusDone:
			stats.Done++
			latency += r.LatencyMs
			download += r.DownloadMbps
			upload += r.UploadMbps
			stats.BestDownload = max(stats.BestDownload, r.DownloadMbps)
			stats.BestUpload = max(stats.BestUpload, r.UploadMbps)
		case models.StatusStopped:
			stats.Stopped++
		case models.StatusFailed:
			stats.Failed++
		}
	}
	if stats.Done > 0 {
		n := float64(stats.Done)
		stats.AvgLatency = latency / n
		stats.AvgDownload = download / n
		stats.AvgUpload = upload / n
	}
	return stats
}

// Clear removes all stored results
func (rm *ResultManager) Clear(ctx context.Context) error {
	if rm.store == nil {
		return ErrNoStore
	}
	return rm.store.Clear(ctx)
}

// Close closes the underlying store
func (rm *ResultManager) Close() error {
	if rm.store == nil {
		return nil
	}
	return rm.store.Close()
}

// Export exports stored results in the specified format
func (rm *ResultManager) Export(ctx context.Context, writer io.Writer, format ExportFormat, sortBy string, ascending bool) error {
	results, err := rm.GetSortedResults(ctx, sortBy, ascending)
	if err != nil {
		return err
	}
	return ExportResults(writer, results, format)
}

// ExportResults writes results in the specified format
func ExportResults(writer io.Writer, results []*models.SessionResult, format ExportFormat) error {
	switch format {
	case FormatCSV:
		return ExportToCSV(writer, results)
	case FormatJSON:
		return ExportToJSON(writer, results)
	case FormatTXT:
		return ExportToTXT(writer, results)
	default:
		return fmt.Errorf("unsupported export format: %s", format)
	}
}

// ExportToCSV exports results to CSV format
func ExportToCSV(writer io.Writer, results []*models.SessionResult) error {
	csvWriter := csv.NewWriter(writer)

	header := []string{"ID", "StartedAt", "Target", "Protocol", "Status", "Latency(ms)",
		"Download(Mbps)", "Upload(Mbps)", "PeakDownload(Mbps)", "PeakUpload(Mbps)", "Threads", "Error"}
	if err := csvWriter.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, r := range results {
		record := []string{
			r.ID,
			r.StartedAt.Format(time.RFC3339),
			r.Target,
			r.Protocol,
			string(r.Status),
			formatFloat(r.LatencyMs),
			formatFloat(r.DownloadMbps),
			formatFloat(r.UploadMbps),
			formatFloat(r.PeakDownloadMbps),
			formatFloat(r.PeakUploadMbps),
			strconv.Itoa(r.Threads),
			r.Error,
		}
		if err := csvWriter.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	csvWriter.Flush()
	return csvWriter.Error()
}

// ExportToJSON exports results to JSON format
func ExportToJSON(writer io.Writer, results []*models.SessionResult) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")

	exportData := map[string]any{
		"timestamp":   time.Now().Format(time.RFC3339),
		"total_count": len(results),
		"results":     results,
		"statistics":  ComputeStats(results),
	}

	if err := encoder.Encode(exportData); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// ExportToTXT exports results to human-readable text format
func ExportToTXT(writer io.Writer, results []*models.SessionResult) error {
	stats := ComputeStats(results)

	fmt.Fprintf(writer, "Speed Test Results\n")
	fmt.Fprintf(writer, "Generated: %s\n", time.Now().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(writer, "Total Results: %d (done %d, stopped %d, failed %d)\n",
		stats.Total, stats.Done, stats.Stopped, stats.Failed)
	if stats.Done > 0 {
		fmt.Fprintf(writer, "Average: %.2f ms, %.2f Mbps down, %.2f Mbps up\n",
			stats.AvgLatency, stats.AvgDownload, stats.AvgUpload)
	}
	fmt.Fprintf(writer, "\n")

	fmt.Fprintf(writer, "%-20s %-8s %-12s %-15s %-15s %-8s\n",
		"Started", "Status", "Latency(ms)", "Download(Mbps)", "Upload(Mbps)", "Proto")
	fmt.Fprintf(writer, "%s\n", strings.Repeat("-", 83))

	for _, r := range results {
		_, err := fmt.Fprintf(writer, "%-20s %-8s %-12.2f %-15.2f %-15.2f %-8s\n",
			r.StartedAt.Format("2006-01-02 15:04:05"),
			r.Status,
			r.LatencyMs,
			r.DownloadMbps,
			r.UploadMbps,
			r.Protocol)
		if err != nil {
			return fmt.Errorf("failed to write result: %w", err)
		}
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
