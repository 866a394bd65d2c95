package recorder

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// CompressionType defines the compression algorithm to use
type CompressionType int

const (
	// NoCompression indicates no compression
	NoCompression CompressionType = iota
	// ZstdCompression indicates Zstandard compression
	ZstdCompression
)

// DefaultCompression is the default compression algorithm
var DefaultCompression = ZstdCompression

// String returns the string representation of the CompressionType
func (c CompressionType) String() string {
	if c == ZstdCompression {
		return "zstd"
	}
	return "none"
}

// ParseCompression parses "none" or "zstd"
func ParseCompression(s string) (CompressionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return NoCompression, nil
	case "zstd":
		return ZstdCompression, nil
	default:
		return NoCompression, fmt.Errorf("unknown compression %q (want none or zstd)", s)
	}
}

// NewCompressedWriter returns a writer that compresses data before writing
func NewCompressedWriter(w io.Writer, compressionType CompressionType) io.Writer {
	if compressionType == NoCompression {
		return w
	}

	// Currently we only support Zstd
	encoder, _ := zstd.NewWriter(w)
	return encoder
}

// NewCompressedReader returns a reader that decompresses data after reading
func NewCompressedReader(r io.Reader, compressionType CompressionType) (io.Reader, error) {
	if compressionType == NoCompression {
		return r, nil
	}

	// Currently we only support Zstd
	return zstd.NewReader(r)
}

// FlushCompressedWriter pushes buffered data of a compressed writer to its sink
func FlushCompressedWriter(w io.Writer) error {
	if zw, ok := w.(*zstd.Encoder); ok {
		return zw.Flush()
	}
	return nil
}

// CloseCompressedWriter closes the compressed writer if needed
func CloseCompressedWriter(w io.Writer, compressionType CompressionType) error {
	if compressionType == NoCompression {
		return nil
	}

	// Close the writer if it's a zstd writer
	if zw, ok := w.(*zstd.Encoder); ok {
		return zw.Close()
	}
	return nil
}

// CloseCompressedReader releases a reader from NewCompressedReader
func CloseCompressedReader(r io.Reader) {
	if zr, ok := r.(*zstd.Decoder); ok {
		zr.Close()
	}
}
