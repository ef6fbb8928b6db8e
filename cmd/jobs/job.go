// Package jobs holds the export job model and the stores that persist it.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an export job
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// ErrNotFound is returned when a job id is unknown to the store
var ErrNotFound = errors.New("export job not found")

// Terminal reports whether no further transitions can happen
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Metrics is the snapshot persisted when a job completes
type Metrics struct {
	CompressedBytes   int64
	UncompressedBytes int64
	RowsPerSecond     float64
	Duration          time.Duration
}

// CompressionPercent returns the space saved, or false if the uncompressed size is unknown
func (m *Metrics) CompressionPercent() (float64, bool) {
	if m == nil || m.UncompressedBytes <= 0 {
		return 0, false
	}
	return (1 - float64(m.CompressedBytes)/float64(m.UncompressedBytes)) * 100, true
}

// Job is one export of the source table.
//
// ArtifactKey and Metrics are set only when Status is COMPLETED, ErrorMessage
// only when it is FAILED.
type Job struct {
	ID               uuid.UUID
	Status           Status
	TotalRecords     *int64
	ProcessedRecords int64
	ArtifactKey      *string
	ErrorMessage     *string
	CreatedAt        time.Time
	StartedAt        *time.Time
	FinishedAt       *time.Time
	Metrics          *Metrics
}

// NewJob returns a PENDING job with a fresh id
func NewJob(now time.Time) *Job {
	return &Job{
		ID:        uuid.New(),
		Status:    StatusPending,
		CreatedAt: now.UTC(),
	}
}

// ProgressPercent returns processed/total as a whole percentage. ok is false
// until the total is known and non-zero.
func (j *Job) ProgressPercent() (percent int, ok bool) {
	if j.TotalRecords == nil || *j.TotalRecords <= 0 {
		return 0, false
	}
	return int(j.ProcessedRecords * 100 / *j.TotalRecords), true
}

// Clone returns a deep copy of the job
func (j *Job) Clone() *Job {
	c := *j
	if j.TotalRecords != nil {
		v := *j.TotalRecords
		c.TotalRecords = &v
	}
	if j.ArtifactKey != nil {
		v := *j.ArtifactKey
		c.ArtifactKey = &v
	}
	if j.ErrorMessage != nil {
		v := *j.ErrorMessage
		c.ErrorMessage = &v
	}
	if j.StartedAt != nil {
		v := *j.StartedAt
		c.StartedAt = &v
	}
	if j.FinishedAt != nil {
		v := *j.FinishedAt
		c.FinishedAt = &v
	}
	if j.Metrics != nil {
		v := *j.Metrics
		c.Metrics = &v
	}
	return &c
}

// Store persists export jobs
type Store interface {
	// Save inserts or replaces the whole job record
	Save(ctx context.Context, job *Job) error
	// FindByID returns ErrNotFound for unknown ids
	FindByID(ctx context.Context, id uuid.UUID) (*Job, error)
	// UpdateProcessedCount sets processedRecords without touching other fields
	UpdateProcessedCount(ctx context.Context, id uuid.UUID, count int64) error
}
