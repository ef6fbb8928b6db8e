package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Supported SQL dialects
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// ErrUnsupportedDialect is returned for an unknown SQL dialect
var ErrUnsupportedDialect = errors.New("unsupported job store dialect")

const createTableSQL = `
CREATE TABLE IF NOT EXISTS export_jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	total_records BIGINT,
	processed_records BIGINT NOT NULL DEFAULT 0,
	artifact_key TEXT,
	error_message TEXT,
	created_at BIGINT NOT NULL,
	started_at BIGINT,
	finished_at BIGINT,
	compressed_bytes BIGINT,
	uncompressed_bytes BIGINT,
	rows_per_second DOUBLE PRECISION,
	duration_ms BIGINT
)`

const upsertJobSQL = `INSERT INTO export_jobs (id, status, total_records, processed_records, artifact_key, error_message, created_at, started_at, finished_at, compressed_bytes, uncompressed_bytes, rows_per_second, duration_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET status = excluded.status, total_records = excluded.total_records, processed_records = excluded.processed_records, artifact_key = excluded.artifact_key, error_message = excluded.error_message, started_at = excluded.started_at, finished_at = excluded.finished_at, compressed_bytes = excluded.compressed_bytes, uncompressed_bytes = excluded.uncompressed_bytes, rows_per_second = excluded.rows_per_second, duration_ms = excluded.duration_ms`

const selectJobSQL = `SELECT id, status, total_records, processed_records, artifact_key, error_message, created_at, started_at, finished_at, compressed_bytes, uncompressed_bytes, rows_per_second, duration_ms FROM export_jobs WHERE id = ?`

const updateProcessedSQL = `UPDATE export_jobs SET processed_records = ? WHERE id = ?`

// SQLStore persists jobs in an export_jobs table. Timestamps are stored as
// Unix milliseconds so the same schema works on PostgreSQL and SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore wraps db using the given dialect
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	switch dialect {
	case DialectPostgres, DialectSQLite:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDialect, dialect)
	}
	return &SQLStore{db: db, dialect: dialect}, nil
}

// OpenSQLite opens (creating if needed) a SQLite job database at path
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite job store: %w", err)
	}
	// one writer keeps SQLite from returning SQLITE_BUSY under concurrent runs
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure sqlite job store: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the export_jobs table if it does not exist
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("failed to create export_jobs table: %w", err)
	}
	return nil
}

func (s *SQLStore) Save(ctx context.Context, job *Job) error {
	var (
		compressed, uncompressed, durationMs sql.NullInt64
		rowsPerSecond                        sql.NullFloat64
	)
	if m := job.Metrics; m != nil {
		compressed = sql.NullInt64{Int64: m.CompressedBytes, Valid: true}
		uncompressed = sql.NullInt64{Int64: m.UncompressedBytes, Valid: true}
		rowsPerSecond = sql.NullFloat64{Float64: m.RowsPerSecond, Valid: true}
		durationMs = sql.NullInt64{Int64: m.Duration.Milliseconds(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, s.rebind(upsertJobSQL),
		job.ID.String(),
		string(job.Status),
		nullInt64(job.TotalRecords),
		job.ProcessedRecords,
		nullString(job.ArtifactKey),
		nullString(job.ErrorMessage),
		job.CreatedAt.UnixMilli(),
		nullMillis(job.StartedAt),
		nullMillis(job.FinishedAt),
		compressed,
		uncompressed,
		rowsPerSecond,
		durationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

func (s *SQLStore) FindByID(ctx context.Context, id uuid.UUID) (*Job, error) {
	var (
		rawID, status                        string
		total, started, finished             sql.NullInt64
		compressed, uncompressed, durationMs sql.NullInt64
		artifactKey, errorMessage            sql.NullString
		rowsPerSecond                        sql.NullFloat64
		createdAt                            int64
		job                                  Job
	)

	err := s.db.QueryRowContext(ctx, s.rebind(selectJobSQL), id.String()).Scan(
		&rawID, &status, &total, &job.ProcessedRecords, &artifactKey, &errorMessage,
		&createdAt, &started, &finished, &compressed, &uncompressed, &rowsPerSecond, &durationMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}

	job.ID, err = uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("invalid job id %q: %w", rawID, err)
	}
	job.Status = Status(status)
	job.CreatedAt = time.UnixMilli(createdAt).UTC()
	if total.Valid {
		job.TotalRecords = &total.Int64
	}
	if artifactKey.Valid {
		job.ArtifactKey = &artifactKey.String
	}
	if errorMessage.Valid {
		job.ErrorMessage = &errorMessage.String
	}
	job.StartedAt = millisTime(started)
	job.FinishedAt = millisTime(finished)
	if compressed.Valid {
		job.Metrics = &Metrics{
			CompressedBytes:   compressed.Int64,
			UncompressedBytes: uncompressed.Int64,
			RowsPerSecond:     rowsPerSecond.Float64,
			Duration:          time.Duration(durationMs.Int64) * time.Millisecond,
		}
	}

	return &job, nil
}

func (s *SQLStore) UpdateProcessedCount(ctx context.Context, id uuid.UUID, count int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind(updateProcessedSQL), count, id.String())
	if err != nil {
		return fmt.Errorf("failed to update progress for job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update progress for job %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// rebind converts ? placeholders to $n for PostgreSQL
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func millisTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
