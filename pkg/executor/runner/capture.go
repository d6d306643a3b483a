package runner

import (
	"fmt"
	"sync"
)

// CaptureBuffer is a fixed-capacity accumulator for one process stream.
// Writes past the capacity drop the oldest bytes first, so the buffer always
// holds the most recent output. Safe for one writer and concurrent readers.
type CaptureBuffer struct {
	mu      sync.Mutex
	limit   int
	buf     []byte
	dropped int64
}

func NewCaptureBuffer(limit int) *CaptureBuffer {
	if limit <= 0 {
		limit = DefaultCaptureLimit
	}
	return &CaptureBuffer{limit: limit}
}

// Write implements io.Writer. It never fails and never blocks on the reader
// side, so a chatty child process cannot stall its own pipes.
func (c *CaptureBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(p) >= c.limit {
		// Single write larger than the whole buffer: keep only its tail.
		c.dropped += int64(len(c.buf)) + int64(len(p)-c.limit)
		c.buf = append(c.buf[:0], p[len(p)-c.limit:]...)
		return len(p), nil
	}

	overflow := len(c.buf) + len(p) - c.limit
	if overflow > 0 {
		c.dropped += int64(overflow)
		c.buf = c.buf[:copy(c.buf, c.buf[overflow:])]
	}
	c.buf = append(c.buf, p...)
	return len(p), nil
}

// Truncated reports whether any bytes have been dropped.
func (c *CaptureBuffer) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped > 0
}

// Bytes returns a copy of the retained tail, prefixed with a truncation
// marker when bytes were dropped. The returned slice never exceeds the
// configured limit.
func (c *CaptureBuffer) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dropped == 0 {
		return append([]byte(nil), c.buf...)
	}

	marker := fmt.Sprintf("[truncated: %d bytes dropped]\n", c.dropped)
	keep := c.limit - len(marker)
	if keep < 0 {
		keep = 0
	}
	tail := c.buf
	if len(tail) > keep {
		tail = tail[len(tail)-keep:]
	}
	out := make([]byte, 0, len(marker)+len(tail))
	out = append(out, marker...)
	return append(out, tail...)
}

func (c *CaptureBuffer) String() string {
	return string(c.Bytes())
}
