package session

import "fmt"

const initialOutputCapacity = 10 * 1024

// OutputBuffer accumulates everything a session's subprocess printed. It
// grows geometrically up to a hard limit; writes past the limit fail with
// ErrAllocationFailed and keep the bytes accepted so far. The zero value
// is an empty buffer without a limit.
type OutputBuffer struct {
	buf   []byte
	limit int
}

// NewOutputBuffer creates a buffer holding at most limit bytes. A limit of
// zero or less means no limit.
func NewOutputBuffer(limit int) *OutputBuffer {
	capacity := initialOutputCapacity
	if limit > 0 && limit < capacity {
		capacity = limit
	}
	return &OutputBuffer{buf: make([]byte, 0, capacity), limit: limit}
}

// Write appends p. It implements io.Writer.
func (b *OutputBuffer) Write(p []byte) (int, error) {
	need := len(b.buf) + len(p)
	if need > cap(b.buf) {
		if b.limit > 0 && need > b.limit {
			room := b.limit - len(b.buf)
			b.grow(b.limit)
			b.buf = append(b.buf, p[:room]...)
			return room, fmt.Errorf("%w: output exceeds %d bytes", ErrAllocationFailed, b.limit)
		}
		// A zero-value buffer starts from the default capacity.
		newCap := max(cap(b.buf)*2, initialOutputCapacity)
		for newCap < need {
			newCap *= 2
		}
		if b.limit > 0 && newCap > b.limit {
			newCap = b.limit
		}
		b.grow(newCap)
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *OutputBuffer) grow(capacity int) {
	if capacity <= cap(b.buf) {
		return
	}
	grown := make([]byte, len(b.buf), capacity)
	copy(grown, b.buf)
	b.buf = grown
}

// WriteString appends s.
func (b *OutputBuffer) WriteString(s string) (int, error) {
	return b.Write([]byte(s))
}

// Bytes returns the accumulated output. The slice aliases the buffer.
func (b *OutputBuffer) Bytes() []byte {
	return b.buf
}

// Len returns the number of accumulated bytes.
func (b *OutputBuffer) Len() int {
	return len(b.buf)
}

// Cap returns the current capacity.
func (b *OutputBuffer) Cap() int {
	return cap(b.buf)
}
