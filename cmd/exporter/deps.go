package exporter

import (
	"context"
	"time"

	"github.com/airframesio/table-exporter/cmd/multipart"
	"github.com/airframesio/table-exporter/cmd/rowsource"
)

// RowCursor is a single forward pass over the source table. Close must be
// safe to call more than once.
type RowCursor interface {
	Next(ctx context.Context) (rowsource.Row, error)
	Close() error
}

// RowSource counts and streams the source table
type RowSource interface {
	Count(ctx context.Context) (int64, error)
	Open(ctx context.Context) (RowCursor, error)
}

// Sink receives the encoded lines of one artifact
type Sink interface {
	WriteLine(line string) error
	Complete(ctx context.Context) (int64, error)
	Abort(ctx context.Context)
	UncompressedBytes() int64
}

// SinkOpener starts a new artifact at key
type SinkOpener func(ctx context.Context, key string) (Sink, error)

// URLSigner creates time-limited download links
type URLSigner interface {
	PresignGet(key string, ttl time.Duration) (string, error)
}

type tableSource struct {
	src *rowsource.Source
}

// TableSource adapts a PostgreSQL row source
func TableSource(src *rowsource.Source) RowSource {
	return tableSource{src: src}
}

func (t tableSource) Count(ctx context.Context) (int64, error) {
	return t.src.Count(ctx)
}

func (t tableSource) Open(ctx context.Context) (RowCursor, error) {
	cursor, err := t.src.Open(ctx)
	if err != nil {
		return nil, err
	}
	return cursor, nil
}

// MultipartSinks opens sinks as S3 multipart uploads
func MultipartSinks(u *multipart.Uploader) SinkOpener {
	return func(ctx context.Context, key string) (Sink, error) {
		session, err := u.Open(ctx, key)
		if err != nil {
			return nil, err
		}
		return session, nil
	}
}
