package multipart

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/airframesio/table-exporter/cmd/compressors"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeS3 records multipart calls in memory
type fakeS3 struct {
	mu          sync.Mutex
	createInput *s3.CreateMultipartUploadInput
	parts       map[int64][]byte
	finishOrder []int64
	committed   []*s3.CompletedPart
	completes   int
	aborts      int

	beforeUpload func(partNumber int64) error
	afterUpload  func(partNumber int64)
}

func newFakeS3() *fakeS3 {
	return &fakeS3{parts: make(map[int64][]byte)}
}

func (f *fakeS3) CreateMultipartUploadWithContext(_ aws.Context, in *s3.CreateMultipartUploadInput, _ ...request.Option) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createInput = in
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("upload-1")}, nil
}

func (f *fakeS3) UploadPartWithContext(_ aws.Context, in *s3.UploadPartInput, _ ...request.Option) (*s3.UploadPartOutput, error) {
	n := aws.Int64Value(in.PartNumber)
	if f.beforeUpload != nil {
		if err := f.beforeUpload(n); err != nil {
			return nil, err
		}
	}

	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.parts[n] = data
	f.finishOrder = append(f.finishOrder, n)
	f.mu.Unlock()

	if f.afterUpload != nil {
		f.afterUpload(n)
	}
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", n))}, nil
}

func (f *fakeS3) CompleteMultipartUploadWithContext(_ aws.Context, in *s3.CompleteMultipartUploadInput, _ ...request.Option) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completes++
	f.committed = in.MultipartUpload.Parts
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUploadWithContext(_ aws.Context, _ *s3.AbortMultipartUploadInput, _ ...request.Option) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts++
	return &s3.AbortMultipartUploadOutput{}, nil
}

// object assembles the committed parts in commit order
func (f *fakeS3) object(t *testing.T) []byte {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	var out bytes.Buffer
	for i, part := range f.committed {
		n := aws.Int64Value(part.PartNumber)
		if n != int64(i+1) {
			t.Fatalf("committed part %d has number %d", i, n)
		}
		if got, want := aws.StringValue(part.ETag), fmt.Sprintf("etag-%d", n); got != want {
			t.Errorf("part %d ETag = %q, want %q", n, got, want)
		}
		out.Write(f.parts[n])
	}
	return out.Bytes()
}

func line(width int, i int) string {
	prefix := fmt.Sprintf("%d,", i)
	return prefix + strings.Repeat("x", width-len(prefix)-1)
}

func TestSessionCutsPartsAtThreshold(t *testing.T) {
	api := newFakeS3()
	uploader := NewUploader(api, "bucket", Options{}, newTestLogger())

	session, err := uploader.Open(context.Background(), "exports/a.csv")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	// 12 MiB of 1 KiB lines
	const lines = 12 * 1024
	for i := 0; i < lines; i++ {
		if err := session.WriteLine(line(1024, i)); err != nil {
			t.Fatalf("WriteLine() error = %v", err)
		}
	}

	total, err := session.Complete(context.Background())
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if total != 12*1024*1024 {
		t.Errorf("Complete() = %d, want %d", total, 12*1024*1024)
	}
	if session.UncompressedBytes() != total {
		t.Errorf("UncompressedBytes() = %d, want %d", session.UncompressedBytes(), total)
	}
	if session.Parts() != 3 {
		t.Fatalf("Parts() = %d, want 3", session.Parts())
	}

	wantSizes := []int{5 * 1024 * 1024, 5 * 1024 * 1024, 2 * 1024 * 1024}
	for i, want := range wantSizes {
		if got := len(api.parts[int64(i+1)]); got != want {
			t.Errorf("part %d size = %d, want %d", i+1, got, want)
		}
	}
	if got := int64(len(api.object(t))); got != total {
		t.Errorf("object size = %d, want %d", got, total)
	}
}

func TestSessionCommitsInPartOrder(t *testing.T) {
	api := newFakeS3()

	var others sync.WaitGroup
	others.Add(2)
	release := make(chan struct{})
	go func() {
		others.Wait()
		close(release)
	}()

	api.beforeUpload = func(n int64) error {
		if n == 1 {
			<-release
		}
		return nil
	}
	api.afterUpload = func(n int64) {
		if n != 1 {
			others.Done()
		}
	}

	uploader := NewUploader(api, "bucket", Options{PartSize: 1024}, newTestLogger())
	session, err := uploader.Open(context.Background(), "exports/b.csv")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	var want strings.Builder
	for i := 0; i < 40; i++ {
		l := line(64, i)
		want.WriteString(l + "\n")
		if err := session.WriteLine(l); err != nil {
			t.Fatalf("WriteLine() error = %v", err)
		}
	}

	if _, err := session.Complete(context.Background()); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if session.Parts() != 3 {
		t.Fatalf("Parts() = %d, want 3", session.Parts())
	}
	if last := api.finishOrder[len(api.finishOrder)-1]; last != 1 {
		t.Fatalf("part 1 finished at position %v, want last", api.finishOrder)
	}
	if got := string(api.object(t)); got != want.String() {
		t.Errorf("object content does not match written lines")
	}
}

func TestSessionCompressedStreamSpansParts(t *testing.T) {
	tests := []struct {
		name       string
		compressor compressors.Compressor
		level      int
	}{
		{"gzip", compressors.NewGzipCompressor(), 0},
		{"zstd", compressors.NewZstdCompressor(), 0},
		{"zstd best", compressors.NewZstdCompressor(), 19},
		{"lz4", compressors.NewLZ4Compressor(), 0},
		{"lz4 level 9", compressors.NewLZ4Compressor(), 9},
		{"none", compressors.NewNoneCompressor(), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeS3()
			uploader := NewUploader(api, "bucket", Options{
				PartSize:   1024,
				Compressor: tt.compressor,
				Level:      tt.level,
			}, newTestLogger())

			session, err := uploader.Open(context.Background(), "exports/c.csv"+tt.compressor.Extension())
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}

			var want strings.Builder
			for i := 0; i < 30000; i++ {
				l := fmt.Sprintf(`"%d","user%d@example.com","%x","2024-01-01"`, i, i*7919, i*104729)
				want.WriteString(l + "\n")
				if err := session.WriteLine(l); err != nil {
					t.Fatalf("WriteLine() error = %v", err)
				}
			}

			total, err := session.Complete(context.Background())
			if err != nil {
				t.Fatalf("Complete() error = %v", err)
			}
			if session.Parts() < 2 {
				t.Fatalf("Parts() = %d, want at least 2", session.Parts())
			}
			if session.UncompressedBytes() != int64(want.Len()) {
				t.Errorf("UncompressedBytes() = %d, want %d", session.UncompressedBytes(), want.Len())
			}

			object := api.object(t)
			if int64(len(object)) != total {
				t.Errorf("object size = %d, Complete() = %d", len(object), total)
			}

			reader, err := tt.compressor.NewReader(bytes.NewReader(object))
			if err != nil {
				t.Fatalf("NewReader() error = %v", err)
			}
			defer reader.Close()

			got, err := io.ReadAll(reader)
			if err != nil {
				t.Fatalf("ReadAll() error = %v", err)
			}
			if string(got) != want.String() {
				t.Errorf("decompressed object does not match written lines")
			}
		})
	}
}

func TestOpenSetsContentHeaders(t *testing.T) {
	tests := []struct {
		name         string
		compressor   compressors.Compressor
		wantEncoding *string
	}{
		{"gzip", compressors.NewGzipCompressor(), aws.String("gzip")},
		{"none", compressors.NewNoneCompressor(), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeS3()
			uploader := NewUploader(api, "bucket", Options{
				Compressor:  tt.compressor,
				ContentType: "text/csv",
			}, newTestLogger())

			session, err := uploader.Open(context.Background(), "exports/d.csv")
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			defer session.Abort(context.Background())

			in := api.createInput
			if aws.StringValue(in.ContentType) != "text/csv" {
				t.Errorf("ContentType = %q, want text/csv", aws.StringValue(in.ContentType))
			}
			if (tt.wantEncoding == nil) != (in.ContentEncoding == nil) ||
				aws.StringValue(in.ContentEncoding) != aws.StringValue(tt.wantEncoding) {
				t.Errorf("ContentEncoding = %v, want %v", in.ContentEncoding, tt.wantEncoding)
			}
		})
	}
}

func TestOpenWithoutContentType(t *testing.T) {
	api := newFakeS3()
	session, err := NewUploader(api, "bucket", Options{}, newTestLogger()).Open(context.Background(), "exports/e.csv")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer session.Abort(context.Background())

	if api.createInput.ContentType != nil {
		t.Errorf("ContentType = %q, want unset", aws.StringValue(api.createInput.ContentType))
	}
}

func TestEmptySessionUploadsOnePart(t *testing.T) {
	api := newFakeS3()
	uploader := NewUploader(api, "bucket", Options{}, newTestLogger())

	session, err := uploader.Open(context.Background(), "exports/e.csv")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	total, err := session.Complete(context.Background())
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if total != 0 {
		t.Errorf("Complete() = %d, want 0", total)
	}
	if len(api.committed) != 1 {
		t.Errorf("committed %d parts, want 1", len(api.committed))
	}
}

func TestFailedPartPreventsCommit(t *testing.T) {
	api := newFakeS3()
	api.beforeUpload = func(n int64) error {
		if n == 2 {
			return errors.New("connection reset")
		}
		return nil
	}

	uploader := NewUploader(api, "bucket", Options{PartSize: 1024}, newTestLogger())
	session, err := uploader.Open(context.Background(), "exports/f.csv")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	for i := 0; i < 40; i++ {
		if err := session.WriteLine(line(64, i)); err != nil {
			// a failed part may already surface on a later write
			if !IsPartFailure(err) {
				t.Fatalf("WriteLine() error = %v, want part failure", err)
			}
			break
		}
	}

	_, err = session.Complete(context.Background())
	if err == nil {
		t.Fatal("Complete() succeeded, want error")
	}
	if !errors.Is(err, ErrPartUpload) && !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Complete() error = %v", err)
	}

	session.Abort(context.Background())

	if api.completes != 0 {
		t.Errorf("CompleteMultipartUpload called %d times, want 0", api.completes)
	}
	if api.aborts != 1 {
		t.Errorf("AbortMultipartUpload called %d times, want 1", api.aborts)
	}
}

func TestAbortClosesSession(t *testing.T) {
	api := newFakeS3()
	uploader := NewUploader(api, "bucket", Options{}, newTestLogger())

	session, err := uploader.Open(context.Background(), "exports/g.csv")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := session.WriteLine("hello"); err != nil {
		t.Fatalf("WriteLine() error = %v", err)
	}

	session.Abort(context.Background())
	session.Abort(context.Background())

	if api.aborts != 1 {
		t.Errorf("AbortMultipartUpload called %d times, want 1", api.aborts)
	}
	if err := session.WriteLine("again"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("WriteLine() after Abort error = %v, want ErrSessionClosed", err)
	}
	if _, err := session.Complete(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Complete() after Abort error = %v, want ErrSessionClosed", err)
	}
	if api.completes != 0 {
		t.Errorf("CompleteMultipartUpload called %d times, want 0", api.completes)
	}
}

func TestAbortAfterCompleteIsNoop(t *testing.T) {
	api := newFakeS3()
	uploader := NewUploader(api, "bucket", Options{}, newTestLogger())

	session, err := uploader.Open(context.Background(), "exports/h.csv")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := session.Complete(context.Background()); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	session.Abort(context.Background())
	if api.aborts != 0 {
		t.Errorf("AbortMultipartUpload called %d times, want 0", api.aborts)
	}
}

func TestBackpressureBoundsPendingParts(t *testing.T) {
	api := newFakeS3()
	api.beforeUpload = func(int64) error {
		time.Sleep(time.Millisecond)
		return nil
	}

	const concurrency = 2
	uploader := NewUploader(api, "bucket", Options{PartSize: 64, Concurrency: concurrency}, newTestLogger())
	session, err := uploader.Open(context.Background(), "exports/i.csv")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	for i := 0; i < 100; i++ {
		if err := session.WriteLine(line(64, i)); err != nil {
			t.Fatalf("WriteLine() error = %v", err)
		}
		if len(session.pending) >= 2*concurrency {
			t.Fatalf("%d parts pending after write %d, want fewer than %d", len(session.pending), i, 2*concurrency)
		}
	}

	if _, err := session.Complete(context.Background()); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if len(api.committed) != 100 {
		t.Errorf("committed %d parts, want 100", len(api.committed))
	}
}

type countingObserver struct {
	mu        sync.Mutex
	submitted int
	finished  int
	failed    int
}

func (o *countingObserver) PartSubmitted(int64, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.submitted++
}

func (o *countingObserver) PartFinished(_ int64, _ int, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished++
	if err != nil {
		o.failed++
	}
}

func TestObserverSeesEveryPart(t *testing.T) {
	api := newFakeS3()
	obs := &countingObserver{}
	uploader := NewUploader(api, "bucket", Options{PartSize: 1024, Observer: obs}, newTestLogger())

	session, err := uploader.Open(context.Background(), "exports/j.csv")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	for i := 0; i < 40; i++ {
		if err := session.WriteLine(line(64, i)); err != nil {
			t.Fatalf("WriteLine() error = %v", err)
		}
	}
	if _, err := session.Complete(context.Background()); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if obs.submitted != 3 || obs.finished != 3 || obs.failed != 0 {
		t.Errorf("observer saw submitted=%d finished=%d failed=%d, want 3/3/0", obs.submitted, obs.finished, obs.failed)
	}
}
