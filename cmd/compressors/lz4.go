package compressors

import (
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// LZ4Compressor handles LZ4 compression
type LZ4Compressor struct{}

// NewLZ4Compressor creates a new LZ4 compressor
func NewLZ4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

// NewWriter creates a streaming lz4 compression writer
func (c *LZ4Compressor) NewWriter(w io.Writer, level int) (StreamWriter, error) {
	writer := lz4.NewWriter(w)

	// 1-9 select lz4.Level1..lz4.Level9; anything else keeps lz4.Fast
	if level >= 1 && level <= 9 {
		if err := writer.Apply(lz4.CompressionLevelOption(lz4Level(level))); err != nil {
			return nil, fmt.Errorf("failed to apply compression level: %w", err)
		}
	}

	return writer, nil
}

// lz4Level maps 1-9 onto the library's power-of-two level constants
func lz4Level(level int) lz4.CompressionLevel {
	return lz4.CompressionLevel(1 << (7 + level))
}

// NewReader creates a streaming lz4 reader
func (c *LZ4Compressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}

// Extension returns the file extension for LZ4 compression
func (c *LZ4Compressor) Extension() string {
	return ".lz4"
}

// ContentEncoding returns "" since lz4 frames have no registered Content-Encoding
func (c *LZ4Compressor) ContentEncoding() string {
	return ""
}

// DefaultLevel returns the default compression level for LZ4
func (c *LZ4Compressor) DefaultLevel() int {
	return 0 // lz4.Fast
}
