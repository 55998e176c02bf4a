package executor

import (
	"bytes"
	"fmt"
	"sync"
)

// maxStderrBytes caps the amount of worker output kept per command.
const maxStderrBytes = 64 * 1024

// cappedBuffer keeps the first max bytes written and counts the rest.
type cappedBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	max     int
	dropped int
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.max - b.buf.Len()
	switch {
	case room <= 0:
		b.dropped += len(p)
	case len(p) > room:
		b.buf.Write(p[:room])
		b.dropped += len(p) - room
	default:
		b.buf.Write(p)
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dropped == 0 {
		return b.buf.String()
	}
	return b.buf.String() + fmt.Sprintf("\n... [truncated %d bytes]", b.dropped)
}

// tail returns at most n trailing bytes of the kept output.
func (b *cappedBuffer) tail(n int) string {
	s := b.String()
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
