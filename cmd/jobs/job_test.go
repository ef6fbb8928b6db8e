package jobs

import (
	"testing"
	"time"
)

func int64Ptr(v int64) *int64 { return &v }

func TestProgressPercent(t *testing.T) {
	tests := []struct {
		name      string
		total     *int64
		processed int64
		want      int
		wantOK    bool
	}{
		{"unknown total", nil, 10, 0, false},
		{"empty table", int64Ptr(0), 0, 0, false},
		{"half", int64Ptr(200), 100, 50, true},
		{"rounds down", int64Ptr(3), 2, 66, true},
		{"done", int64Ptr(25001), 25001, 100, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &Job{TotalRecords: tt.total, ProcessedRecords: tt.processed}
			got, ok := job.ProgressPercent()
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ProgressPercent() = (%d, %v), want (%d, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestMetricsCompressionPercent(t *testing.T) {
	var missing *Metrics
	if _, ok := missing.CompressionPercent(); ok {
		t.Error("nil metrics reported a compression percent")
	}

	m := &Metrics{CompressedBytes: 300, UncompressedBytes: 1200}
	got, ok := m.CompressionPercent()
	if !ok || got != 75 {
		t.Errorf("CompressionPercent() = (%v, %v), want (75, true)", got, ok)
	}
}

func TestNewJob(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	job := NewJob(now)

	if job.Status != StatusPending {
		t.Errorf("Status = %s, want PENDING", job.Status)
	}
	if !job.CreatedAt.Equal(now) || job.CreatedAt.Location() != time.UTC {
		t.Errorf("CreatedAt = %v, want %v in UTC", job.CreatedAt, now)
	}
	if job.ProcessedRecords != 0 || job.TotalRecords != nil || job.ArtifactKey != nil {
		t.Errorf("new job has unexpected fields set: %+v", job)
	}
}

func TestCloneIsDeep(t *testing.T) {
	key := "exports/a.csv.gz"
	started := time.Now()
	job := &Job{
		TotalRecords: int64Ptr(10),
		ArtifactKey:  &key,
		StartedAt:    &started,
		Metrics:      &Metrics{CompressedBytes: 5},
	}

	c := job.Clone()
	*c.TotalRecords = 99
	*c.ArtifactKey = "changed"
	c.Metrics.CompressedBytes = 42

	if *job.TotalRecords != 10 || *job.ArtifactKey != key || job.Metrics.CompressedBytes != 5 {
		t.Errorf("mutating the clone changed the original: %+v", job)
	}
	if c.StartedAt == job.StartedAt {
		t.Error("clone shares StartedAt pointer")
	}
}

func TestStatusTerminal(t *testing.T) {
	for status, want := range map[Status]bool{
		StatusPending:   false,
		StatusRunning:   false,
		StatusCompleted: true,
		StatusFailed:    true,
	} {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}
