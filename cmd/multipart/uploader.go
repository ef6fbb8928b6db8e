// Package multipart streams a single compressed object to S3 as a sequence of
// concurrently uploaded parts.
package multipart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"golang.org/x/sync/semaphore"

	"github.com/airframesio/table-exporter/cmd/compressors"
)

const (
	// DefaultPartSize is the S3 minimum size for every part but the last
	DefaultPartSize = 5 * 1024 * 1024
	// DefaultConcurrency is the number of parts uploaded at once per session
	DefaultConcurrency = 4
)

var (
	// ErrSessionClosed is returned when a session is used after Complete or Abort
	ErrSessionClosed = errors.New("upload session is closed")
	// ErrPartUpload wraps every part failure surfaced by a session
	ErrPartUpload = errors.New("part upload failed")
)

// API is the subset of the S3 client used for multipart transfers
type API interface {
	CreateMultipartUploadWithContext(aws.Context, *s3.CreateMultipartUploadInput, ...request.Option) (*s3.CreateMultipartUploadOutput, error)
	UploadPartWithContext(aws.Context, *s3.UploadPartInput, ...request.Option) (*s3.UploadPartOutput, error)
	CompleteMultipartUploadWithContext(aws.Context, *s3.CompleteMultipartUploadInput, ...request.Option) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUploadWithContext(aws.Context, *s3.AbortMultipartUploadInput, ...request.Option) (*s3.AbortMultipartUploadOutput, error)
}

// PartObserver is notified around every part upload. It is called from
// upload goroutines and must be safe for concurrent use.
type PartObserver interface {
	PartSubmitted(partNumber int64, size int)
	PartFinished(partNumber int64, size int, duration time.Duration, err error)
}

// Options tune an Uploader. Zero values select the defaults; an empty
// ContentType leaves the header unset.
type Options struct {
	PartSize    int
	Concurrency int
	ContentType string
	Compressor  compressors.Compressor
	Level       int
	Observer    PartObserver
}

// Uploader opens multipart sessions against one bucket
type Uploader struct {
	client      API
	bucket      string
	partSize    int
	concurrency int
	contentType string
	compressor  compressors.Compressor
	level       int
	observer    PartObserver
	logger      *slog.Logger
}

// NewUploader creates an uploader for bucket
func NewUploader(client API, bucket string, opts Options, logger *slog.Logger) *Uploader {
	if opts.PartSize <= 0 {
		opts.PartSize = DefaultPartSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Compressor == nil {
		opts.Compressor = compressors.NewNoneCompressor()
	}
	if opts.Level == 0 {
		opts.Level = opts.Compressor.DefaultLevel()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Uploader{
		client:      client,
		bucket:      bucket,
		partSize:    opts.PartSize,
		concurrency: opts.Concurrency,
		contentType: opts.ContentType,
		compressor:  opts.Compressor,
		level:       opts.Level,
		observer:    opts.Observer,
		logger:      logger,
	}
}

// Extension returns the file extension added by the configured codec
func (u *Uploader) Extension() string {
	return u.compressor.Extension()
}

// Open starts a multipart upload for key. Part uploads run under a context
// derived from ctx; cancelling it fails the session.
func (u *Uploader) Open(ctx context.Context, key string) (*Session, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	}
	if u.contentType != "" {
		input.ContentType = aws.String(u.contentType)
	}
	if enc := u.compressor.ContentEncoding(); enc != "" {
		input.ContentEncoding = aws.String(enc)
	}

	out, err := u.client.CreateMultipartUploadWithContext(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart upload for %s: %w", key, err)
	}

	uploadCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		uploader: u,
		key:      key,
		uploadID: aws.StringValue(out.UploadId),
		ctx:      uploadCtx,
		cancel:   cancel,
		sem:      semaphore.NewWeighted(int64(u.concurrency)),
		nextPart: 1,
	}

	s.writer, err = u.compressor.NewWriter(&s.buf, u.level)
	if err != nil {
		cancel()
		s.abortRemote(ctx)
		return nil, fmt.Errorf("failed to create compression writer: %w", err)
	}

	u.logger.Debug(fmt.Sprintf("Started multipart upload %s for s3://%s/%s", s.uploadID, u.bucket, key))
	return s, nil
}
