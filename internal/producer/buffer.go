package producer

import (
	"io"
	"sync"
)

// streamBuffer is the producer's in-memory stream endpoint. Writes never
// block the emitting goroutine; Read blocks until bytes arrive or the
// writer side closes. After close, readers drain what is buffered and then
// see io.EOF.
type streamBuffer struct {
	mu     sync.Mutex
	buf    []byte
	closed bool
	waitCh chan struct{}
}

func newStreamBuffer() *streamBuffer {
	return &streamBuffer{waitCh: make(chan struct{}, 1)}
}

func (b *streamBuffer) notify() {
	select {
	case b.waitCh <- struct{}{}:
	default:
	}
}

// Write appends to the buffer. Implements io.Writer for the mux.
func (b *streamBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	b.buf = append(b.buf, p...)
	b.mu.Unlock()
	b.notify()
	return len(p), nil
}

// Read copies buffered bytes out, blocking while the buffer is empty and
// the writer is still open.
func (b *streamBuffer) Read(p []byte) (int, error) {
	for {
		b.mu.Lock()
		if len(b.buf) > 0 {
			n := copy(p, b.buf)
			b.buf = b.buf[n:]
			b.mu.Unlock()
			return n, nil
		}
		closed := b.closed
		b.mu.Unlock()

		if closed {
			return 0, io.EOF
		}
		<-b.waitCh
	}
}

// Buffered reports how many bytes are waiting to be read.
func (b *streamBuffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Close ends the stream. Pending bytes remain readable.
func (b *streamBuffer) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	b.notify()
	return nil
}
