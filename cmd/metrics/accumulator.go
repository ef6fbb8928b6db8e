// Package metrics tracks export throughput and exposes it to Prometheus.
package metrics

import (
	"fmt"
	"time"

	"github.com/juju/clock"
)

// Accumulator counts rows and bytes for a single export run. It is owned by
// the run that created it and is not safe for concurrent use.
type Accumulator struct {
	clock        clock.Clock
	startTime    time.Time
	rows         int64
	bytesWritten int64
}

// NewAccumulator starts a new accumulator at the clock's current time
func NewAccumulator(clk clock.Clock) *Accumulator {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Accumulator{
		clock:     clk,
		startTime: clk.Now(),
	}
}

// IncrementRows records one processed row
func (a *Accumulator) IncrementRows() {
	a.rows++
}

// AddBytes records bytes written to the artifact
func (a *Accumulator) AddBytes(n int64) {
	a.bytesWritten += n
}

// Rows returns the number of processed rows
func (a *Accumulator) Rows() int64 {
	return a.rows
}

// BytesWritten returns the number of bytes written
func (a *Accumulator) BytesWritten() int64 {
	return a.bytesWritten
}

// StartTime returns when the accumulator was created
func (a *Accumulator) StartTime() time.Time {
	return a.startTime
}

// Elapsed returns the time since the accumulator was created
func (a *Accumulator) Elapsed() time.Duration {
	return a.clock.Now().Sub(a.startTime)
}

// RowsPerSecond returns rows * 1000 / elapsed milliseconds, or 0 before the first millisecond
func (a *Accumulator) RowsPerSecond() float64 {
	elapsedMs := a.Elapsed().Milliseconds()
	if elapsedMs <= 0 {
		return 0
	}
	return float64(a.rows) * 1000 / float64(elapsedMs)
}

// FormatSpeed renders the current throughput, e.g. "12.5K rows/s"
func (a *Accumulator) FormatSpeed() string {
	return FormatSpeed(a.RowsPerSecond())
}

// FormatDuration renders the elapsed time, e.g. "2m 5s"
func (a *Accumulator) FormatDuration() string {
	return FormatDuration(a.Elapsed())
}

// CompressionPercent returns the space saved by compression. ok is false when
// the uncompressed size is unknown or zero.
func CompressionPercent(compressed, uncompressed int64) (percent float64, ok bool) {
	if uncompressed <= 0 {
		return 0, false
	}
	return (1 - float64(compressed)/float64(uncompressed)) * 100, true
}

// FormatSpeed renders rows per second
func FormatSpeed(rowsPerSecond float64) string {
	if rowsPerSecond >= 1000 {
		return fmt.Sprintf("%.1fK rows/s", rowsPerSecond/1000)
	}
	return fmt.Sprintf("%.0f rows/s", rowsPerSecond)
}

// FormatBytes renders a byte count in B, KB or MB
func FormatBytes(bytes int64) string {
	switch {
	case bytes >= 1024*1024:
		return fmt.Sprintf("%.2f MB", float64(bytes)/(1024*1024))
	case bytes >= 1024:
		return fmt.Sprintf("%.2f KB", float64(bytes)/1024)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// FormatDuration renders whole minutes and seconds
func FormatDuration(d time.Duration) string {
	seconds := int64(d / time.Second)
	minutes := seconds / 60
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds%60)
	}
	return fmt.Sprintf("%ds", seconds)
}
