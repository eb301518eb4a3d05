package audio

import (
	"sync"
)

// RingBuffer is a fixed-capacity byte queue between the device reader and
// the chunk pump, so a slow consumer never blocks the capture process pipe.
// Writes beyond capacity drop the excess rather than overwrite buffered
// audio; recorded bytes are never reordered.
type RingBuffer struct {
	mu    sync.Mutex
	buf   []byte
	head  int // next byte to read
	count int // bytes currently buffered
}

// NewRingBuffer creates a ring buffer holding up to capacity bytes
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{buf: make([]byte, capacity)}
}

// Write appends p oldest-first and returns how many bytes fit. Whatever
// does not fit is dropped.
func (b *RingBuffer) Write(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if free := len(b.buf) - b.count; n > free {
		n = free
	}
	if n == 0 {
		return 0
	}

	tail := (b.head + b.count) % len(b.buf)
	wrapped := copy(b.buf[tail:], p[:n])
	copy(b.buf, p[wrapped:n])
	b.count += n
	return n
}

// Read fills p with the oldest buffered bytes and returns how many were
// copied out
func (b *RingBuffer) Read(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if n > b.count {
		n = b.count
	}
	if n == 0 {
		return 0
	}

	wrapped := copy(p[:n], b.buf[b.head:])
	copy(p[wrapped:n], b.buf)
	b.head = (b.head + n) % len(b.buf)
	b.count -= n
	return n
}

// Buffered returns the number of bytes waiting to be read
func (b *RingBuffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Free returns the remaining write capacity
func (b *RingBuffer) Free() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf) - b.count
}

// Clear discards everything buffered
func (b *RingBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.count = 0
}
