package stream

import (
	"io"
	"sync"
)

const drainBufferSize = 32 << 10

var drainBuffers = sync.Pool{
	New: func() any {
		buf := make([]byte, drainBufferSize)
		return &buf
	},
}

// Drain reads r to the end and discards everything, using a pooled fixed-size
// buffer so memory stays flat regardless of body length.
func Drain(r io.Reader) (int64, error) {
	if r == nil {
		return 0, nil
	}
	bufp := drainBuffers.Get().(*[]byte)
	defer drainBuffers.Put(bufp)

	buf := *bufp
	var total int64
	for {
		n, err := r.Read(buf)
		total += int64(n)
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}
