// Package stream implements the server side byte source and sink used to
// saturate download and upload connections.
package stream

import (
	"context"
	"io"
	"net/http"
)

// Source serves an endless stream of one pre-filled chunk.
// The chunk is allocated once and shared by every request.
type Source struct {
	chunk []byte
}

// NewSource allocates a chunk of the given size and fills it with a byte ramp.
// The ramp keeps intermediaries from compressing the stream.
func NewSource(chunkSize int) *Source {
	chunk := make([]byte, chunkSize)
	for i := range chunk {
		chunk[i] = byte(i % 256)
	}
	return &Source{chunk: chunk}
}

// Size returns the chunk size in bytes
func (s *Source) Size() int {
	return len(s.chunk)
}

// Stream writes the chunk to w repeatedly until ctx is done or a write fails.
// It never returns a nil error; the count of bytes written is always valid.
func (s *Source) Stream(ctx context.Context, w io.Writer) (int64, error) {
	flusher, _ := w.(http.Flusher)

	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, err := w.Write(s.chunk)
		written += int64(n)
		if err != nil {
			return written, err
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}
