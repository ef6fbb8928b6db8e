package multipart

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/semaphore"

	"github.com/airframesio/table-exporter/cmd/compressors"
)

type sessionState int

const (
	stateOpen sessionState = iota
	stateFailed
	stateCompleted
	stateAborted
)

// partTask is one submitted chunk. done is closed once part or err is set.
type partTask struct {
	number int64
	size   int
	done   chan struct{}
	part   *s3.CompletedPart
	err    error
}

// Session is a single multipart upload. Writes, Complete and Abort must come
// from one goroutine; only the part uploads run concurrently.
type Session struct {
	uploader *Uploader
	key      string
	uploadID string

	ctx    context.Context
	cancel context.CancelFunc
	sem    *semaphore.Weighted

	buf    bytes.Buffer
	writer compressors.StreamWriter

	nextPart     int64
	uncompressed int64
	compressed   int64

	pending   []*partTask
	completed []*s3.CompletedPart
	state     sessionState

	errMu    sync.Mutex
	firstErr error
}

// UncompressedBytes returns the bytes accepted by Write so far
func (s *Session) UncompressedBytes() int64 {
	return s.uncompressed
}

// Parts returns the number of parts submitted so far
func (s *Session) Parts() int {
	return int(s.nextPart - 1)
}

// WriteLine writes line followed by a newline
func (s *Session) WriteLine(line string) error {
	_, err := s.Write([]byte(line + "\n"))
	return err
}

// Write feeds p to the compressor and cuts a part whenever the compressed
// buffer reaches the part size.
func (s *Session) Write(p []byte) (int, error) {
	if s.state != stateOpen {
		return 0, ErrSessionClosed
	}
	if err := s.failure(); err != nil {
		s.state = stateFailed
		return 0, err
	}

	n, err := s.writer.Write(p)
	s.uncompressed += int64(n)
	if err != nil {
		s.state = stateFailed
		return n, fmt.Errorf("failed to compress data: %w", err)
	}

	if s.buf.Len() >= s.uploader.partSize {
		if err := s.writer.Flush(); err != nil {
			s.state = stateFailed
			return n, fmt.Errorf("failed to flush compressor: %w", err)
		}
		if err := s.cutPart(); err != nil {
			s.state = stateFailed
			return n, err
		}
	}

	return n, nil
}

// Complete finalizes the compressed stream, waits for every part and commits
// the upload. It returns the total size of the committed object.
func (s *Session) Complete(ctx context.Context) (int64, error) {
	if s.state != stateOpen {
		return 0, ErrSessionClosed
	}
	s.state = stateFailed

	if err := s.writer.Close(); err != nil {
		return 0, fmt.Errorf("failed to finalize compressed stream: %w", err)
	}

	// S3 refuses to complete an upload without parts
	if s.buf.Len() > 0 || s.nextPart == 1 {
		s.submit()
	}

	if err := s.drain(len(s.pending)); err != nil {
		return 0, err
	}

	sort.Slice(s.completed, func(i, j int) bool {
		return aws.Int64Value(s.completed[i].PartNumber) < aws.Int64Value(s.completed[j].PartNumber)
	})

	u := s.uploader
	_, err := u.client.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(u.bucket),
		Key:             aws.String(s.key),
		UploadId:        aws.String(s.uploadID),
		MultipartUpload: &s3.CompletedMultipartUpload{Parts: s.completed},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	s.state = stateCompleted
	s.cancel()

	if s.uncompressed > 0 && u.compressor.ContentEncoding() != "" {
		reduction := (1 - float64(s.compressed)/float64(s.uncompressed)) * 100
		u.logger.Info(fmt.Sprintf("Completed multipart upload: %d parts, %d bytes (compressed from %d bytes, %.1f%% reduction)",
			len(s.completed), s.compressed, s.uncompressed, reduction))
	} else {
		u.logger.Info(fmt.Sprintf("Completed multipart upload: %d parts, %d bytes total (parallel: %d workers)",
			len(s.completed), s.compressed, u.concurrency))
	}

	return s.compressed, nil
}

// Abort cancels in-flight parts and asks S3 to discard the upload. Failure to
// abort is logged. Abort after a successful Complete does nothing.
func (s *Session) Abort(ctx context.Context) {
	if s.state == stateCompleted || s.state == stateAborted {
		return
	}
	s.state = stateAborted
	s.cancel()
	s.abortRemote(ctx)
}

func (s *Session) abortRemote(ctx context.Context) {
	u := s.uploader
	_, err := u.client.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(u.bucket),
		Key:      aws.String(s.key),
		UploadId: aws.String(s.uploadID),
	})
	if err != nil {
		u.logger.Warn(fmt.Sprintf("⚠️  Failed to abort multipart upload %s: %v", s.uploadID, err))
		return
	}
	u.logger.Debug(fmt.Sprintf("Aborted multipart upload %s", s.uploadID))
}

// cutPart submits the buffered bytes and backpressures once twice the pool
// size is outstanding.
func (s *Session) cutPart() error {
	s.submit()

	limit := 2 * s.uploader.concurrency
	if len(s.pending) >= limit {
		return s.drain(len(s.pending) / 2)
	}
	return nil
}

// submit hands the current buffer to an upload goroutine
func (s *Session) submit() {
	data := bytes.Clone(s.buf.Bytes())
	if data == nil {
		data = []byte{}
	}
	s.buf.Reset()

	task := &partTask{
		number: s.nextPart,
		size:   len(data),
		done:   make(chan struct{}),
	}
	s.nextPart++
	s.compressed += int64(len(data))
	s.pending = append(s.pending, task)

	if obs := s.uploader.observer; obs != nil {
		obs.PartSubmitted(task.number, task.size)
	}

	go s.upload(task, data)
}

func (s *Session) upload(task *partTask, data []byte) {
	defer close(task.done)

	u := s.uploader
	start := time.Now()

	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		task.err = fmt.Errorf("%w: part %d: %w", ErrPartUpload, task.number, err)
		s.recordFailure(task.err)
		if u.observer != nil {
			u.observer.PartFinished(task.number, task.size, time.Since(start), task.err)
		}
		return
	}
	defer s.sem.Release(1)

	out, err := u.client.UploadPartWithContext(s.ctx, &s3.UploadPartInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(s.key),
		UploadId:      aws.String(s.uploadID),
		PartNumber:    aws.Int64(task.number),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	duration := time.Since(start)

	if u.observer != nil {
		u.observer.PartFinished(task.number, task.size, duration, err)
	}

	if err != nil {
		task.err = fmt.Errorf("%w: part %d: %w", ErrPartUpload, task.number, err)
		s.recordFailure(task.err)
		return
	}

	task.part = &s3.CompletedPart{
		ETag:       out.ETag,
		PartNumber: aws.Int64(task.number),
	}

	speed := 0.0
	if ms := duration.Milliseconds(); ms > 0 {
		speed = (float64(len(data)) / (1024 * 1024)) / (float64(ms) / 1000)
	}
	u.logger.Debug(fmt.Sprintf("Uploaded part %d: %d bytes in %dms (%.2f MB/s)", task.number, len(data), duration.Milliseconds(), speed))
}

// drain waits for the n oldest pending tasks and collects their parts
func (s *Session) drain(n int) error {
	var result *multierror.Error

	for _, task := range s.pending[:n] {
		<-task.done
		if task.err != nil {
			result = multierror.Append(result, task.err)
			continue
		}
		s.completed = append(s.completed, task.part)
	}
	s.pending = s.pending[n:]

	return result.ErrorOrNil()
}

func (s *Session) recordFailure(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.firstErr == nil {
		s.firstErr = err
	}
}

func (s *Session) failure() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.firstErr
}

// IsPartFailure reports whether err came from a failed part upload
func IsPartFailure(err error) bool {
	return errors.Is(err, ErrPartUpload)
}
