package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// DefaultProgressInterval is the number of rows between progress writes
const DefaultProgressInterval = 10000

// ProgressReporter writes processed-row counts back to the store at a fixed
// row interval so fast exports don't flood it with updates.
type ProgressReporter struct {
	store    Store
	interval int64
	logger   *slog.Logger
}

// NewProgressReporter creates a reporter that fires every interval rows
func NewProgressReporter(store Store, interval int64, logger *slog.Logger) *ProgressReporter {
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressReporter{store: store, interval: interval, logger: logger}
}

// ShouldUpdate reports whether rows is a progress checkpoint
func (p *ProgressReporter) ShouldUpdate(rows int64) bool {
	return rows > 0 && rows%p.interval == 0
}

// Report persists rows for the job and logs a progress line. A failed write
// is logged and otherwise ignored.
func (p *ProgressReporter) Report(ctx context.Context, id uuid.UUID, rows int64, speed string) {
	if err := p.store.UpdateProcessedCount(ctx, id, rows); err != nil {
		p.logger.Warn(fmt.Sprintf("⚠️  Failed to update progress for job %s: %v", id, err))
		return
	}
	p.logger.Info(fmt.Sprintf("Export progress: job=%s, rows=%d, speed=%s", id, rows, speed))
}
