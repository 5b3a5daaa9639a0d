// Package archive wraps compressed-archive primitives for curator bundles.
// The writer streams entries straight to the destination (typically an HTTP
// response body) and never materializes the whole archive in memory.
package archive

import (
	"archive/zip"
	"compress/flate"
	"fmt"
	"io"
	"strings"
	"time"
)

// DefaultCompressionLevel favors throughput over ratio. Exports are
// triggered interactively, so latency matters more than bytes on the wire.
const DefaultCompressionLevel = flate.BestSpeed

// copyChunkSize is the buffer size for streamed entry copies.
const copyChunkSize = 64 * 1024

// Writer streams zip entries to an underlying io.Writer.
type Writer struct {
	zw *zip.Writer
}

// WriterOption configures a Writer.
type WriterOption func(*writerConfig)

type writerConfig struct {
	level int
}

// WithCompressionLevel sets the flate compression level (flate.BestSpeed
// through flate.BestCompression).
func WithCompressionLevel(level int) WriterOption {
	return func(c *writerConfig) {
		c.level = level
	}
}

// NewWriter creates a streaming archive writer on top of w.
func NewWriter(w io.Writer, opts ...WriterOption) *Writer {
	cfg := writerConfig{level: DefaultCompressionLevel}
	for _, opt := range opts {
		opt(&cfg)
	}

	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, cfg.level)
	})
	return &Writer{zw: zw}
}

// AddBytes writes a complete in-memory entry at the given relative path.
func (w *Writer) AddBytes(path string, data []byte) error {
	entry, err := w.create(path)
	if err != nil {
		return err
	}
	if _, err := entry.Write(data); err != nil {
		return fmt.Errorf("write entry %s: %w", path, err)
	}
	return nil
}

// AddEntry streams r into an entry at the given relative path in fixed-size
// chunks, so large image files never need to be buffered whole.
func (w *Writer) AddEntry(path string, r io.Reader) error {
	entry, err := w.create(path)
	if err != nil {
		return err
	}
	buf := make([]byte, copyChunkSize)
	if _, err := io.CopyBuffer(entry, r, buf); err != nil {
		return fmt.Errorf("stream entry %s: %w", path, err)
	}
	return nil
}

func (w *Writer) create(path string) (io.Writer, error) {
	name := strings.TrimPrefix(path, "/")
	if name == "" {
		return nil, fmt.Errorf("empty entry path")
	}
	entry, err := w.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("create entry %s: %w", name, err)
	}
	return entry, nil
}

// Close finalizes the archive central directory. The underlying writer is
// not closed; the caller owns it.
func (w *Writer) Close() error {
	return w.zw.Close()
}
