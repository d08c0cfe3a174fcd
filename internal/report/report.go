// Package report renders session results and live ticks for the terminal.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/alllike996/speedtest-esa/pkg/models"
	"github.com/olekukonko/tablewriter"
)

// PrintResult prints a one-session summary table
func PrintResult(w io.Writer, r *models.SessionResult) error {
	fmt.Fprintf(w, "\nSession %s against %s (%s, %d threads)\n", r.ID, r.Target, r.Protocol, r.Threads)

	table := tablewriter.NewTable(w,
		tablewriter.WithHeader([]string{"Metric", "Value", "Peak"}),
	)
	_ = table.Append([]string{"Latency (ms)", fmt.Sprintf("%.2f", r.LatencyMs), "-"})
	_ = table.Append([]string{"Download (Mbps)", fmt.Sprintf("%.2f", r.DownloadMbps), fmt.Sprintf("%.2f", r.PeakDownloadMbps)})
	_ = table.Append([]string{"Upload (Mbps)", fmt.Sprintf("%.2f", r.UploadMbps), fmt.Sprintf("%.2f", r.PeakUploadMbps)})
	_ = table.Append([]string{"Downloaded", formatBytes(r.DownloadBytes), "-"})
	_ = table.Append([]string{"Uploaded", formatBytes(r.UploadBytes), "-"})
	if err := table.Render(); err != nil {
		return err
	}

	fmt.Fprintf(w, "Status: %s", r.Status)
	if r.Error != "" {
		fmt.Fprintf(w, " (%s)", r.Error)
	}
	fmt.Fprintln(w)
	return nil
}

// PrintHistory prints stored results, newest first
func PrintHistory(w io.Writer, results []*models.SessionResult) error {
	if len(results) == 0 {
		fmt.Fprintln(w, "No results stored")
		return nil
	}

	table := tablewriter.NewTable(w,
		tablewriter.WithHeader([]string{"Finished", "ID", "Target", "Status", "Latency(ms)", "Down(Mbps)", "Up(Mbps)"}),
	)
	for _, r := range results {
		_ = table.Append([]string{
			r.FinishedAt.Local().Format(time.DateTime),
			shortID(r.ID),
			r.Target,
			string(r.Status),
			fmt.Sprintf("%.2f", r.LatencyMs),
			fmt.Sprintf("%.2f", r.DownloadMbps),
			fmt.Sprintf("%.2f", r.UploadMbps),
		})
	}
	return table.Render()
}

// PrintJSON writes the result as indented JSON
func PrintJSON(w io.Writer, r *models.SessionResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// LinePrinter writes one line per live tick
type LinePrinter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLinePrinter creates a printer writing to w
func NewLinePrinter(w io.Writer) *LinePrinter {
	return &LinePrinter{w: w}
}

// OnTick prints the tick
func (p *LinePrinter) OnTick(tick models.Tick) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, FormatTick(tick))
}

// FormatTick renders a tick as a single status line
func FormatTick(tick models.Tick) string {
	marker := ""
	if tick.Final {
		marker = " *"
	}
	if tick.Phase == models.PhaseLatency {
		return fmt.Sprintf("[%5.1f%%] %-8s %8.2f ms%s", tick.Progress, tick.Phase, tick.LatencyMs, marker)
	}
	return fmt.Sprintf("[%5.1f%%] %-8s %8.2f Mbps  %s in %.1fs%s",
		tick.Progress, tick.Phase, tick.Mbps, formatBytes(tick.Bytes), tick.Elapsed, marker)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
