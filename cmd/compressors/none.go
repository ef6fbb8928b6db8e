package compressors

import "io"

// NoneCompressor is a no-op compressor that passes data through unchanged
type NoneCompressor struct{}

// NewNoneCompressor creates a new no-op compressor
func NewNoneCompressor() *NoneCompressor {
	return &NoneCompressor{}
}

// NewWriter creates a pass-through writer
func (c *NoneCompressor) NewWriter(w io.Writer, _ int) (StreamWriter, error) {
	return &passthroughWriter{w}, nil
}

// NewReader returns r unchanged
func (c *NoneCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

// Extension returns an empty string (no compression extension)
func (c *NoneCompressor) Extension() string {
	return ""
}

// ContentEncoding returns "" (identity)
func (c *NoneCompressor) ContentEncoding() string {
	return ""
}

// DefaultLevel returns 0 (no compression level needed)
func (c *NoneCompressor) DefaultLevel() int {
	return 0
}

type passthroughWriter struct {
	w io.Writer
}

func (p *passthroughWriter) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *passthroughWriter) Flush() error                { return nil }
func (p *passthroughWriter) Close() error                { return nil }
