package serialization

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// ContentEncodingDeflate is the content-encoding value that marks a zlib
// compressed body. Comparison is case-insensitive.
const ContentEncodingDeflate = "deflate"

// DefaultMaxInflatedSize bounds Decompress
const DefaultMaxInflatedSize = 64 << 20

// ErrInflatedTooLarge is returned when a compressed body inflates past the
// allowed size
var ErrInflatedTooLarge = errors.New("inflated body exceeds size limit")

// Compress deflates data into a zlib stream
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush compressor: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress inflates a zlib stream of at most DefaultMaxInflatedSize bytes
func Decompress(data []byte) ([]byte, error) {
	return DecompressLimit(data, DefaultMaxInflatedSize)
}

// DecompressLimit inflates a zlib stream and fails with ErrInflatedTooLarge
// once the output exceeds limit bytes. A limit <= 0 means
// DefaultMaxInflatedSize.
func DecompressLimit(data []byte, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxInflatedSize
	}
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open compressed stream: %w", err)
	}
	defer r.Close()

	// Assume the inflated body is about twice the compressed size
	var buf bytes.Buffer
	buf.Grow(int(min(int64(len(data))*2, limit)))
	n, err := io.Copy(&buf, io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to inflate: %w", err)
	}
	if n > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrInflatedTooLarge, limit)
	}
	return buf.Bytes(), nil
}
