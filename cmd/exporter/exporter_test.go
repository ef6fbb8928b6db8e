package exporter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/airframesio/table-exporter/cmd/formatters"
	"github.com/airframesio/table-exporter/cmd/jobs"
	"github.com/airframesio/table-exporter/cmd/rowsource"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

func makeRows(n int) []rowsource.Row {
	rows := make([]rowsource.Row, n)
	for i := range rows {
		rows[i] = rowsource.Row{
			ID:        sql.NullString{String: fmt.Sprint(i + 1), Valid: true},
			Email:     sql.NullString{String: fmt.Sprintf("user%d@example.com", i+1), Valid: true},
			Name:      sql.NullString{String: fmt.Sprintf(`User "%d"`, i+1), Valid: i%3 != 0},
			CreatedAt: sql.NullString{String: "2024-01-01 00:00:00+00", Valid: true},
		}
	}
	return rows
}

type fakeRows struct {
	rows     []rowsource.Row
	countErr error
	// failAt > 0 returns nextErr when row failAt would be read
	failAt   int
	nextErr  error
	panicAt  int
	block    bool
}

func (f *fakeRows) Count(context.Context) (int64, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}
	return int64(len(f.rows)), nil
}

func (f *fakeRows) Open(context.Context) (RowCursor, error) {
	return &fakeCursor{src: f}, nil
}

type fakeCursor struct {
	src    *fakeRows
	pos    int
	closed bool
}

func (c *fakeCursor) Next(ctx context.Context) (rowsource.Row, error) {
	if c.src.block {
		<-ctx.Done()
		return rowsource.Row{}, ctx.Err()
	}
	if c.src.failAt > 0 && c.pos+1 == c.src.failAt {
		return rowsource.Row{}, c.src.nextErr
	}
	if c.src.panicAt > 0 && c.pos+1 == c.src.panicAt {
		panic("cursor exploded")
	}
	if c.pos >= len(c.src.rows) {
		return rowsource.Row{}, io.EOF
	}
	row := c.src.rows[c.pos]
	c.pos++
	return row, nil
}

func (c *fakeCursor) Close() error {
	c.closed = true
	return nil
}

type fakeSink struct {
	mu          sync.Mutex
	key         string
	lines       []string
	bytes       int64
	completeErr error
	completed   bool
	aborted     bool
}

func (s *fakeSink) WriteLine(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
	s.bytes += int64(len(line) + 1)
	return nil
}

func (s *fakeSink) Complete(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeErr != nil {
		return 0, s.completeErr
	}
	s.completed = true
	return s.bytes / 4, nil
}

func (s *fakeSink) Abort(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
}

func (s *fakeSink) UncompressedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

type fakeSigner struct {
	calls int
	key   string
	ttl   time.Duration
}

func (f *fakeSigner) PresignGet(key string, ttl time.Duration) (string, error) {
	f.calls++
	f.key = key
	f.ttl = ttl
	return "https://signed.example.com/" + key, nil
}

// progressStore counts targeted progress writes and records the status of
// every full save
type progressStore struct {
	*jobs.MemoryStore
	mu       sync.Mutex
	updates  []int64
	statuses []jobs.Status
}

func (s *progressStore) Save(ctx context.Context, job *jobs.Job) error {
	s.mu.Lock()
	s.statuses = append(s.statuses, job.Status)
	s.mu.Unlock()
	return s.MemoryStore.Save(ctx, job)
}

func (s *progressStore) UpdateProcessedCount(ctx context.Context, id uuid.UUID, count int64) error {
	s.mu.Lock()
	s.updates = append(s.updates, count)
	s.mu.Unlock()
	return s.MemoryStore.UpdateProcessedCount(ctx, id, count)
}

type harness struct {
	exporter *Exporter
	store    *progressStore
	rows     *fakeRows
	sink     *fakeSink
	signer   *fakeSigner
	opened   int
}

func newHarness(t *testing.T, ctx context.Context, rows *fakeRows) *harness {
	t.Helper()
	h := &harness{
		store:  &progressStore{MemoryStore: jobs.NewMemoryStore()},
		rows:   rows,
		sink:   &fakeSink{},
		signer: &fakeSigner{},
	}

	exp, err := New(ctx, Config{Extension: ".gz"}, Deps{
		Store: h.store,
		Rows:  rows,
		Sinks: func(_ context.Context, key string) (Sink, error) {
			h.opened++
			h.sink.key = key
			return h.sink, nil
		},
		Signer: h.signer,
		Logger: newTestLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.exporter = exp
	return h
}

func (h *harness) runToEnd(t *testing.T) *jobs.Job {
	t.Helper()
	id, err := h.exporter.StartExport(context.Background())
	if err != nil {
		t.Fatalf("StartExport() error = %v", err)
	}
	h.exporter.Wait()

	job, err := h.exporter.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	return job
}

func TestExportWritesHeaderAndRows(t *testing.T) {
	encoder := formatters.NewCSVEncoder()

	for _, n := range []int{0, 1, 3, 25001} {
		t.Run(fmt.Sprintf("%d rows", n), func(t *testing.T) {
			rows := makeRows(n)
			h := newHarness(t, context.Background(), &fakeRows{rows: rows})
			job := h.runToEnd(t)

			if job.Status != jobs.StatusCompleted {
				t.Fatalf("Status = %s (%v), want COMPLETED", job.Status, job.ErrorMessage)
			}
			if job.ProcessedRecords != int64(n) || job.TotalRecords == nil || *job.TotalRecords != int64(n) {
				t.Errorf("records = %d/%v, want %d/%d", job.ProcessedRecords, job.TotalRecords, n, n)
			}

			wantKey := "exports/" + job.ID.String() + ".csv.gz"
			if job.ArtifactKey == nil || *job.ArtifactKey != wantKey || h.sink.key != wantKey {
				t.Errorf("ArtifactKey = %v, sink key = %s, want %s", job.ArtifactKey, h.sink.key, wantKey)
			}
			if job.StartedAt == nil || job.FinishedAt == nil || job.ErrorMessage != nil {
				t.Errorf("timestamps or error wrong: %+v", job)
			}
			if job.Metrics == nil || job.Metrics.UncompressedBytes != h.sink.bytes || job.Metrics.CompressedBytes != h.sink.bytes/4 {
				t.Errorf("Metrics = %+v, sink bytes = %d", job.Metrics, h.sink.bytes)
			}

			if len(h.sink.lines) != n+1 {
				t.Fatalf("sink got %d lines, want %d", len(h.sink.lines), n+1)
			}
			if h.sink.lines[0] != encoder.Header() {
				t.Errorf("first line = %q, want header", h.sink.lines[0])
			}
			for i, row := range rows {
				if h.sink.lines[i+1] != encoder.Encode(row) {
					t.Fatalf("line %d = %q, want %q", i+1, h.sink.lines[i+1], encoder.Encode(row))
				}
			}
			if !h.sink.completed || h.sink.aborted {
				t.Errorf("sink completed=%v aborted=%v, want completed only", h.sink.completed, h.sink.aborted)
			}
		})
	}
}

func TestExportThrottlesProgress(t *testing.T) {
	h := newHarness(t, context.Background(), &fakeRows{rows: makeRows(25001)})
	job := h.runToEnd(t)

	if job.Status != jobs.StatusCompleted {
		t.Fatalf("Status = %s, want COMPLETED", job.Status)
	}
	if len(h.store.updates) != 2 || h.store.updates[0] != 10000 || h.store.updates[1] != 20000 {
		t.Errorf("progress updates = %v, want [10000 20000]", h.store.updates)
	}
}

func TestRunningPersistedBeforeCount(t *testing.T) {
	h := newHarness(t, context.Background(), &fakeRows{countErr: errors.New("count timeout")})
	job := h.runToEnd(t)

	want := []jobs.Status{jobs.StatusPending, jobs.StatusRunning, jobs.StatusFailed}
	if fmt.Sprint(h.store.statuses) != fmt.Sprint(want) {
		t.Errorf("saved statuses = %v, want %v", h.store.statuses, want)
	}
	if job.StartedAt == nil || job.TotalRecords != nil {
		t.Errorf("StartedAt = %v, TotalRecords = %v, want start time and no count", job.StartedAt, job.TotalRecords)
	}
}

func TestExportFailures(t *testing.T) {
	tests := []struct {
		name          string
		rows          *fakeRows
		completeErr   error
		wantMessage   string
		wantProcessed int64
		wantSink      bool
	}{
		{
			name:        "count fails",
			rows:        &fakeRows{rows: makeRows(3), countErr: errors.New("count timeout")},
			wantMessage: "count timeout",
		},
		{
			name:          "read fails mid stream",
			rows:          &fakeRows{rows: makeRows(10), failAt: 6, nextErr: errors.New("connection reset")},
			wantMessage:   "connection reset",
			wantProcessed: 5,
			wantSink:      true,
		},
		{
			name:          "complete fails",
			rows:          &fakeRows{rows: makeRows(4)},
			completeErr:   errors.New("part upload failed"),
			wantMessage:   "part upload failed",
			wantProcessed: 4,
			wantSink:      true,
		},
		{
			name:          "panic",
			rows:          &fakeRows{rows: makeRows(4), panicAt: 3},
			wantMessage:   "export panicked: cursor exploded",
			wantProcessed: 2,
			wantSink:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, context.Background(), tt.rows)
			h.sink.completeErr = tt.completeErr
			job := h.runToEnd(t)

			if job.Status != jobs.StatusFailed {
				t.Fatalf("Status = %s, want FAILED", job.Status)
			}
			if job.ErrorMessage == nil || !strings.Contains(*job.ErrorMessage, tt.wantMessage) {
				t.Errorf("ErrorMessage = %v, want it to contain %q", job.ErrorMessage, tt.wantMessage)
			}
			if job.StartedAt == nil || job.FinishedAt == nil {
				t.Errorf("StartedAt = %v, FinishedAt = %v, want both set", job.StartedAt, job.FinishedAt)
			}
			if len(h.store.statuses) < 3 || h.store.statuses[1] != jobs.StatusRunning {
				t.Errorf("saved statuses = %v, want RUNNING persisted before the failure", h.store.statuses)
			}
			if job.ArtifactKey != nil || job.Metrics != nil {
				t.Errorf("failed job has artifact or metrics: %+v", job)
			}
			if job.ProcessedRecords != tt.wantProcessed {
				t.Errorf("ProcessedRecords = %d, want %d", job.ProcessedRecords, tt.wantProcessed)
			}
			if tt.wantSink != (h.opened == 1) {
				t.Fatalf("sink opened %d times, want opened=%v", h.opened, tt.wantSink)
			}
			if tt.wantSink && (!h.sink.aborted || h.sink.completed) {
				t.Errorf("sink aborted=%v completed=%v, want aborted only", h.sink.aborted, h.sink.completed)
			}
		})
	}
}

func TestCancelledRunStillRecordsFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, ctx, &fakeRows{rows: makeRows(3), block: true})

	id, err := h.exporter.StartExport(context.Background())
	if err != nil {
		t.Fatalf("StartExport() error = %v", err)
	}
	cancel()
	h.exporter.Wait()

	job, err := h.exporter.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if job.Status != jobs.StatusFailed || job.ErrorMessage == nil {
		t.Fatalf("job = %s %v, want FAILED with message", job.Status, job.ErrorMessage)
	}
	if !strings.Contains(*job.ErrorMessage, context.Canceled.Error()) {
		t.Errorf("ErrorMessage = %q, want cancellation", *job.ErrorMessage)
	}
	if !h.sink.aborted {
		t.Error("sink was not aborted")
	}
}

func TestErrorMessageTruncated(t *testing.T) {
	long := strings.Repeat("x", 5000)
	h := newHarness(t, context.Background(), &fakeRows{countErr: errors.New(long)})
	job := h.runToEnd(t)

	if job.ErrorMessage == nil || utf8.RuneCountInString(*job.ErrorMessage) != DefaultErrorMessageLimit {
		t.Errorf("ErrorMessage length = %d, want %d", len(*job.ErrorMessage), DefaultErrorMessageLimit)
	}
}

func TestTruncateMessage(t *testing.T) {
	tests := []struct {
		name  string
		msg   string
		limit int
		want  string
	}{
		{"empty", "", 10, "unknown error"},
		{"short", "boom", 10, "boom"},
		{"exact", "0123456789", 10, "0123456789"},
		{"long", "0123456789abc", 10, "0123456789"},
		{"multibyte", "héllo wörld", 5, "héllo"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncateMessage(tt.msg, tt.limit); got != tt.want {
				t.Errorf("truncateMessage(%q, %d) = %q, want %q", tt.msg, tt.limit, got, tt.want)
			}
		})
	}
}

func TestGetDownloadURL(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ctx, &fakeRows{})

	for _, status := range []jobs.Status{jobs.StatusPending, jobs.StatusRunning, jobs.StatusFailed} {
		t.Run(string(status), func(t *testing.T) {
			job := jobs.NewJob(time.Now())
			job.Status = status
			if err := h.store.Save(ctx, job); err != nil {
				t.Fatalf("Save() error = %v", err)
			}

			if _, err := h.exporter.GetDownloadURL(ctx, job.ID); !errors.Is(err, ErrNotCompleted) {
				t.Errorf("GetDownloadURL() error = %v, want ErrNotCompleted", err)
			}
			if h.signer.calls != 0 {
				t.Errorf("signer called %d times, want 0", h.signer.calls)
			}
		})
	}

	t.Run("unknown", func(t *testing.T) {
		if _, err := h.exporter.GetDownloadURL(ctx, uuid.New()); !errors.Is(err, jobs.ErrNotFound) {
			t.Errorf("GetDownloadURL() error = %v, want jobs.ErrNotFound", err)
		}
	})

	t.Run(string(jobs.StatusCompleted), func(t *testing.T) {
		job := h.runToEnd(t)
		url, err := h.exporter.GetDownloadURL(ctx, job.ID)
		if err != nil {
			t.Fatalf("GetDownloadURL() error = %v", err)
		}
		if h.signer.key != *job.ArtifactKey || h.signer.ttl != 15*time.Minute {
			t.Errorf("signer got %s/%v, want %s/15m", h.signer.key, h.signer.ttl, *job.ArtifactKey)
		}
		if !strings.HasSuffix(url, *job.ArtifactKey) {
			t.Errorf("url = %s", url)
		}
	})
}

func TestObjectKey(t *testing.T) {
	id := uuid.MustParse("6f1a1c6e-8d3b-4a53-9d8e-6d0f2b7c9a10")

	for ext, want := range map[string]string{
		".gz": "exports/6f1a1c6e-8d3b-4a53-9d8e-6d0f2b7c9a10.csv.gz",
		"":    "exports/6f1a1c6e-8d3b-4a53-9d8e-6d0f2b7c9a10.csv",
	} {
		exp, err := New(context.Background(), Config{Extension: ext}, Deps{
			Store: jobs.NewMemoryStore(),
			Rows:  &fakeRows{},
			Sinks: func(context.Context, string) (Sink, error) { return &fakeSink{}, nil },
		})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if got := exp.ObjectKey(id); got != want {
			t.Errorf("ObjectKey() = %s, want %s", got, want)
		}
	}
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := New(context.Background(), Config{}, Deps{Rows: &fakeRows{}}); !errors.Is(err, ErrMissingDependency) {
		t.Errorf("New() without store error = %v, want ErrMissingDependency", err)
	}
}

func TestStartExportRequiresPipeline(t *testing.T) {
	sinks := func(context.Context, string) (Sink, error) { return &fakeSink{}, nil }

	tests := []struct {
		name string
		deps Deps
	}{
		{"no rows", Deps{Store: jobs.NewMemoryStore(), Sinks: sinks}},
		{"no sinks", Deps{Store: jobs.NewMemoryStore(), Rows: &fakeRows{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp, err := New(context.Background(), Config{}, tt.deps)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if _, err := exp.StartExport(context.Background()); !errors.Is(err, ErrMissingDependency) {
				t.Errorf("StartExport() error = %v, want ErrMissingDependency", err)
			}
		})
	}
}
