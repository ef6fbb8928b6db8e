// Package rowsource streams the rows of one table through a server-side
// cursor so the client never holds more than one fetch batch.
package rowsource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/lib/pq"
)

// DefaultFetchSize is the number of rows requested per FETCH round trip
const DefaultFetchSize = 10000

const cursorName = "export_cursor"

// ErrCursorClosed is returned when reading from a closed cursor
var ErrCursorClosed = errors.New("cursor is closed")

// Row is the exported row shape. Every column is read in its PostgreSQL text
// form; NULL columns have Valid == false.
type Row struct {
	ID        sql.NullString
	Email     sql.NullString
	Name      sql.NullString
	CreatedAt sql.NullString
}

// Columns lists the exported columns in output order
var Columns = []string{"id", "email", "name", "created_at"}

// Source opens cursors over a single table
type Source struct {
	db        *sql.DB
	table     string
	fetchSize int
	logger    *slog.Logger
}

// New creates a row source for table. A fetchSize <= 0 selects DefaultFetchSize.
func New(db *sql.DB, table string, fetchSize int, logger *slog.Logger) *Source {
	if fetchSize <= 0 {
		fetchSize = DefaultFetchSize
	}
	return &Source{
		db:        db,
		table:     table,
		fetchSize: fetchSize,
		logger:    logger,
	}
}

// selectQuery builds the streaming query; columns are cast to text server side
func (s *Source) selectQuery() string {
	//nolint:gosec // Table name is quoted with pq.QuoteIdentifier
	return fmt.Sprintf("SELECT id::text, email::text, name::text, created_at::text FROM %s", pq.QuoteIdentifier(s.table))
}

// Count returns the number of rows in the table at the time of the call.
// Concurrent writers can make it drift from what a later scan sees.
func (s *Source) Count(ctx context.Context) (int64, error) {
	//nolint:gosec // Table name is quoted with pq.QuoteIdentifier
	query := fmt.Sprintf("SELECT count(*) FROM %s", pq.QuoteIdentifier(s.table))

	var count int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rows in %s: %w", s.table, err)
	}
	return count, nil
}

// Open starts a read-only transaction and declares a forward-only cursor over
// the table. The caller must Close the cursor.
func (s *Source) Open(ctx context.Context) (*Cursor, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelRepeatableRead,
		ReadOnly:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin read transaction: %w", err)
	}

	declare := fmt.Sprintf("DECLARE %s NO SCROLL CURSOR FOR %s", cursorName, s.selectQuery())
	if _, err := tx.ExecContext(ctx, declare); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("failed to declare cursor: %w", err)
	}

	s.logger.Debug(fmt.Sprintf("Opened cursor over %s (fetch size %d)", s.table, s.fetchSize))

	return &Cursor{
		tx:        tx,
		fetchSize: s.fetchSize,
		logger:    s.logger,
	}, nil
}

// Cursor is a lazy, finite, single-pass sequence of rows. It is not safe for
// concurrent use.
type Cursor struct {
	tx        *sql.Tx
	fetchSize int
	logger    *slog.Logger

	rows    *sql.Rows
	inBatch int
	fetched int64
	done    bool
	closed  bool
}

// Next returns the next row, or io.EOF once the table is exhausted
func (c *Cursor) Next(ctx context.Context) (Row, error) {
	if c.closed {
		return Row{}, ErrCursorClosed
	}

	for {
		if c.done {
			return Row{}, io.EOF
		}

		if c.rows == nil {
			fetch := fmt.Sprintf("FETCH FORWARD %d FROM %s", c.fetchSize, cursorName)
			rows, err := c.tx.QueryContext(ctx, fetch)
			if err != nil {
				return Row{}, fmt.Errorf("failed to fetch rows: %w", err)
			}
			c.rows = rows
			c.inBatch = 0
		}

		if c.rows.Next() {
			var row Row
			if err := c.rows.Scan(&row.ID, &row.Email, &row.Name, &row.CreatedAt); err != nil {
				return Row{}, fmt.Errorf("failed to scan row: %w", err)
			}
			c.inBatch++
			c.fetched++
			return row, nil
		}

		if err := c.rows.Err(); err != nil {
			return Row{}, fmt.Errorf("error iterating rows: %w", err)
		}
		_ = c.rows.Close()
		c.rows = nil

		// A short batch means the cursor reached the end
		if c.inBatch < c.fetchSize {
			c.done = true
		}
	}
}

// ForEach drives the remaining rows through visit in cursor order. Iteration
// stops at the first error returned by visit or by the database.
func (c *Cursor) ForEach(ctx context.Context, visit func(Row) error) error {
	for {
		row, err := c.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := visit(row); err != nil {
			return err
		}
	}
}

// Close releases the cursor and ends the transaction. It is safe to call more than once.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	if c.rows != nil {
		_ = c.rows.Close()
		c.rows = nil
	}

	if _, err := c.tx.Exec("CLOSE " + cursorName); err != nil {
		_ = c.tx.Rollback()
		return fmt.Errorf("failed to close cursor: %w", err)
	}
	if err := c.tx.Commit(); err != nil {
		return fmt.Errorf("failed to end read transaction: %w", err)
	}

	c.logger.Debug(fmt.Sprintf("Closed cursor after %d rows", c.fetched))
	return nil
}
