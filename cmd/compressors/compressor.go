package compressors

import (
	"errors"
	"fmt"
	"io"
)

// ErrUnsupportedCompression is returned when an unsupported compression type is requested
var ErrUnsupportedCompression = errors.New("unsupported compression type")

// Compression type constants
const (
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
	CompressionLZ4  = "lz4"
	CompressionNone = "none"
)

// StreamWriter is an incremental compression context.
//
// Flush pushes every byte accepted so far to the underlying writer without
// ending the frame. Close writes the trailer and ends the frame; the writer
// must not be used afterwards.
type StreamWriter interface {
	io.Writer
	Flush() error
	Close() error
}

// Compressor defines the interface for streaming compression handlers
type Compressor interface {
	// NewWriter creates a streaming compression writer on top of w
	NewWriter(w io.Writer, level int) (StreamWriter, error)

	// NewReader creates a streaming decompression reader on top of r
	NewReader(r io.Reader) (io.ReadCloser, error)

	// Extension returns the file extension for this compression (e.g., ".zst", ".lz4", ".gz")
	Extension() string

	// ContentEncoding returns the HTTP Content-Encoding value, or "" if there is none
	ContentEncoding() string

	// DefaultLevel returns the default compression level
	DefaultLevel() int
}

// GetCompressor returns the appropriate compressor based on the compression string
func GetCompressor(compression string) (Compressor, error) {
	switch compression {
	case CompressionGzip:
		return NewGzipCompressor(), nil
	case CompressionZstd:
		return NewZstdCompressor(), nil
	case CompressionLZ4:
		return NewLZ4Compressor(), nil
	case CompressionNone:
		return NewNoneCompressor(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, compression)
	}
}
