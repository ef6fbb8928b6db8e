// Package exporter runs export jobs: it streams the source table through the
// CSV encoder into a multipart sink and drives the job state machine.
package exporter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/airframesio/table-exporter/cmd/formatters"
	"github.com/airframesio/table-exporter/cmd/jobs"
	"github.com/airframesio/table-exporter/cmd/metrics"
)

const (
	// KeyPrefix is the object key prefix for every artifact
	KeyPrefix = "exports/"

	DefaultErrorMessageLimit = 1000
	DefaultDownloadURLTTL    = 15 * time.Minute

	unknownError = "unknown error"
)

var (
	// ErrNotCompleted is returned when a download link is requested for an unfinished job
	ErrNotCompleted      = errors.New("export not completed yet")
	ErrMissingDependency = errors.New("missing exporter dependency")
)

// Config holds the tunables of an Exporter
type Config struct {
	// Extension is appended to ".csv" in object keys, e.g. ".gz"
	Extension         string
	ProgressInterval  int64
	ErrorMessageLimit int
	DownloadURLTTL    time.Duration
}

// Deps are the collaborators of an Exporter. Only Store is required to query
// jobs; Rows and Sinks are needed to start exports and Signer to sign links.
type Deps struct {
	Store    jobs.Store
	Rows     RowSource
	Sinks    SinkOpener
	Signer   URLSigner
	Clock    clock.Clock
	Recorder *metrics.Recorder
	Logger   *slog.Logger
}

// Exporter starts export runs and answers job queries
type Exporter struct {
	ctx      context.Context
	config   Config
	store    jobs.Store
	rows     RowSource
	sinks    SinkOpener
	signer   URLSigner
	clock    clock.Clock
	recorder *metrics.Recorder
	reporter *jobs.ProgressReporter
	encoder  formatters.RecordEncoder
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// New creates an exporter. ctx bounds the lifetime of every run it starts.
func New(ctx context.Context, config Config, deps Deps) (*Exporter, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("%w: job store", ErrMissingDependency)
	}

	if config.ErrorMessageLimit <= 0 {
		config.ErrorMessageLimit = DefaultErrorMessageLimit
	}
	if config.DownloadURLTTL <= 0 {
		config.DownloadURLTTL = DefaultDownloadURLTTL
	}
	if config.ProgressInterval <= 0 {
		config.ProgressInterval = jobs.DefaultProgressInterval
	}
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Exporter{
		ctx:      ctx,
		config:   config,
		store:    deps.Store,
		rows:     deps.Rows,
		sinks:    deps.Sinks,
		signer:   deps.Signer,
		clock:    deps.Clock,
		recorder: deps.Recorder,
		reporter: jobs.NewProgressReporter(deps.Store, config.ProgressInterval, deps.Logger),
		encoder:  formatters.NewCSVEncoder(),
		logger:   deps.Logger,
	}, nil
}

// ObjectKey returns the artifact key for a job
func (e *Exporter) ObjectKey(id uuid.UUID) string {
	return KeyPrefix + id.String() + e.encoder.Extension() + e.config.Extension
}

// StartExport records a PENDING job and runs it in the background. It returns
// as soon as the job is saved.
func (e *Exporter) StartExport(ctx context.Context) (uuid.UUID, error) {
	switch {
	case e.rows == nil:
		return uuid.Nil, fmt.Errorf("%w: row source", ErrMissingDependency)
	case e.sinks == nil:
		return uuid.Nil, fmt.Errorf("%w: sink opener", ErrMissingDependency)
	}

	job := jobs.NewJob(e.clock.Now())
	if err := e.store.Save(ctx, job); err != nil {
		return uuid.Nil, fmt.Errorf("failed to create export job: %w", err)
	}

	e.logger.Debug(fmt.Sprintf("Created export job %s", job.ID))

	e.wg.Add(1)
	go e.run(job.ID)

	return job.ID, nil
}

// Wait blocks until every started run has finished
func (e *Exporter) Wait() {
	e.wg.Wait()
}

// GetJob returns the stored state of a job
func (e *Exporter) GetJob(ctx context.Context, id uuid.UUID) (*jobs.Job, error) {
	return e.store.FindByID(ctx, id)
}

// GetDownloadURL signs a download link for a COMPLETED job's artifact
func (e *Exporter) GetDownloadURL(ctx context.Context, id uuid.UUID) (string, error) {
	job, err := e.store.FindByID(ctx, id)
	if err != nil {
		return "", err
	}
	if job.Status != jobs.StatusCompleted || job.ArtifactKey == nil {
		return "", fmt.Errorf("%w: job %s is %s", ErrNotCompleted, id, job.Status)
	}
	if e.signer == nil {
		return "", fmt.Errorf("%w: url signer", ErrMissingDependency)
	}

	url, err := e.signer.PresignGet(*job.ArtifactKey, e.config.DownloadURLTTL)
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", *job.ArtifactKey, err)
	}
	return url, nil
}

// truncateMessage caps msg at limit characters
func truncateMessage(msg string, limit int) string {
	if msg == "" {
		return unknownError
	}
	if utf8.RuneCountInString(msg) <= limit {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:limit])
}

// runState is what a run has acquired so far, for the failure path
type runState struct {
	id   uuid.UUID
	sink Sink
	acc  *metrics.Accumulator
}

func (e *Exporter) run(id uuid.UUID) {
	defer e.wg.Done()

	state := &runState{id: id}
	if err := e.safeStream(state); err != nil {
		e.fail(state, err)
	}
}

func (e *Exporter) safeStream(state *runState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(fmt.Sprintf("❌ Panic in export %s: %v\n%s", state.id, r, debug.Stack()))
			err = fmt.Errorf("export panicked: %v", r)
		}
	}()
	return e.stream(state)
}

func (e *Exporter) stream(state *runState) error {
	ctx := e.ctx

	job, err := e.store.FindByID(ctx, state.id)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}

	state.acc = metrics.NewAccumulator(e.clock)
	startedAt := state.acc.StartTime().UTC()
	job.Status = jobs.StatusRunning
	job.StartedAt = &startedAt
	if err := e.store.Save(ctx, job); err != nil {
		return fmt.Errorf("failed to mark job running: %w", err)
	}

	total, err := e.rows.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count rows: %w", err)
	}
	job.TotalRecords = &total
	if err := e.store.Save(ctx, job); err != nil {
		return fmt.Errorf("failed to record row count: %w", err)
	}
	e.logger.Info(fmt.Sprintf("Export started: job=%s, rows=%d", state.id, total))

	key := e.ObjectKey(state.id)
	sink, err := e.sinks(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to open upload: %w", err)
	}
	state.sink = sink

	if err := sink.WriteLine(e.encoder.Header()); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	cursor, err := e.rows.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open cursor: %w", err)
	}
	defer cursor.Close()

	for {
		row, err := cursor.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read row %d: %w", state.acc.Rows()+1, err)
		}

		if err := sink.WriteLine(e.encoder.Encode(row)); err != nil {
			return fmt.Errorf("failed to write row %d: %w", state.acc.Rows()+1, err)
		}
		state.acc.IncrementRows()

		if rows := state.acc.Rows(); e.reporter.ShouldUpdate(rows) {
			e.reporter.Report(ctx, state.id, rows, state.acc.FormatSpeed())
		}
	}

	if err := cursor.Close(); err != nil {
		return fmt.Errorf("failed to close cursor: %w", err)
	}

	compressed, err := sink.Complete(ctx)
	if err != nil {
		return fmt.Errorf("failed to complete upload: %w", err)
	}
	state.acc.AddBytes(compressed)

	uncompressed := sink.UncompressedBytes()
	finishedAt := e.clock.Now().UTC()
	duration := state.acc.Elapsed()
	job.Status = jobs.StatusCompleted
	job.ArtifactKey = &key
	job.ProcessedRecords = state.acc.Rows()
	job.FinishedAt = &finishedAt
	job.Metrics = &jobs.Metrics{
		CompressedBytes:   compressed,
		UncompressedBytes: uncompressed,
		RowsPerSecond:     state.acc.RowsPerSecond(),
		Duration:          duration,
	}

	if err := e.store.Save(ctx, job); err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}

	e.recorder.AddRows(state.acc.Rows())
	e.recorder.ObserveJob(string(jobs.StatusCompleted), duration, compressed, uncompressed)

	compression, _ := metrics.CompressionPercent(compressed, uncompressed)
	e.logger.Info(fmt.Sprintf("✅ Export completed: job=%s, rows=%d, size=%s, uncompressed=%s, compression=%.1f%%, duration=%s, speed=%s",
		state.id,
		state.acc.Rows(),
		metrics.FormatBytes(compressed),
		metrics.FormatBytes(uncompressed),
		compression,
		state.acc.FormatDuration(),
		state.acc.FormatSpeed()))

	return nil
}

// fail aborts the sink and records FAILED. It uses a context detached from
// cancellation so a cancelled run is still recorded.
func (e *Exporter) fail(state *runState, cause error) {
	ctx := context.WithoutCancel(e.ctx)

	e.logger.Error(fmt.Sprintf("❌ Export failed: job=%s: %v", state.id, cause))

	if state.sink != nil {
		state.sink.Abort(ctx)
	}

	var (
		rows     int64
		duration time.Duration
	)
	if state.acc != nil {
		rows = state.acc.Rows()
		duration = state.acc.Elapsed()
	}
	e.recorder.AddRows(rows)
	e.recorder.ObserveJob(string(jobs.StatusFailed), duration, 0, 0)

	job, err := e.store.FindByID(ctx, state.id)
	if err != nil {
		e.logger.Error(fmt.Sprintf("❌ Failed to load job %s to record failure: %v", state.id, err))
		return
	}

	message := truncateMessage(cause.Error(), e.config.ErrorMessageLimit)
	finishedAt := e.clock.Now().UTC()
	if job.StartedAt == nil && state.acc != nil {
		startedAt := state.acc.StartTime().UTC()
		job.StartedAt = &startedAt
	}
	job.Status = jobs.StatusFailed
	job.ErrorMessage = &message
	job.FinishedAt = &finishedAt
	job.ArtifactKey = nil
	job.Metrics = nil
	if rows > job.ProcessedRecords {
		job.ProcessedRecords = rows
	}

	if err := e.store.Save(ctx, job); err != nil {
		e.logger.Error(fmt.Sprintf("❌ Failed to record failure of job %s: %v", state.id, err))
	}
}
