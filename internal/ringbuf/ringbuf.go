// Package ringbuf implements the fixed-size circular byte buffer described
// in spec §3/§4.B: an `in`/`out` index pair plus an explicit `empty` flag,
// exposing contiguous read/write windows so the splice engine can hand a
// syscall a slice directly instead of copying through an intermediate
// buffer.
//
// This is deliberately hand-rolled rather than built on the teacher's
// smallnest/ringbuffer or hedzr/go-ringbuf dependencies: both copy bytes
// in and out through Read/Write calls and never expose the raw contiguous
// window a non-blocking read(2)/write(2) needs to fill or drain in place.
// See DESIGN.md for the full justification.
package ringbuf

import "fmt"

// Buffer is a fixed-capacity circular byte buffer. It is not safe for
// concurrent use; callers (internal/conn) access it only from the single
// event-loop goroutine.
type Buffer struct {
	data  []byte
	in    int // next write position
	out   int // next read position
	empty bool
}

// New allocates a Buffer with the given capacity. Capacity must be > 0.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		panic(fmt.Sprintf("ringbuf: capacity must be > 0, got %d", capacity))
	}
	return &Buffer{
		data:  make([]byte, capacity),
		empty: true,
	}
}

// Capacity returns N, the fixed size of the underlying array.
func (b *Buffer) Capacity() int {
	return len(b.data)
}

// IsEmpty reports whether the buffer holds zero bytes.
func (b *Buffer) IsEmpty() bool {
	return b.empty
}

// IsFull reports whether the buffer holds exactly N bytes.
func (b *Buffer) IsFull() bool {
	return !b.empty && b.in == b.out
}

// Len returns the number of bytes currently occupying the buffer.
func (b *Buffer) Len() int {
	if b.empty {
		return 0
	}
	if b.in > b.out {
		return b.in - b.out
	}
	return len(b.data) - b.out + b.in
}

// WritableSpan returns the largest contiguous window into which bytes may
// be deposited. It is `data[in:capacity)` or `data[in:out)` depending on
// wrap state, and has length 0 when the buffer is full. A second call
// before AdvanceIn returns the same window again, since the in index has
// not moved; callers must AdvanceIn to record bytes they deposited.
func (b *Buffer) WritableSpan() []byte {
	if b.IsFull() {
		return b.data[b.in:b.in]
	}
	if b.in >= b.out {
		return b.data[b.in:]
	}
	return b.data[b.in:b.out]
}

// ReadableSpan returns the largest contiguous window of bytes available to
// consume: `data[out:in)` or `data[out:capacity)` depending on wrap state,
// and length 0 when the buffer is empty.
func (b *Buffer) ReadableSpan() []byte {
	if b.empty {
		return b.data[b.out:b.out]
	}
	if b.out < b.in {
		return b.data[b.out:b.in]
	}
	return b.data[b.out:]
}

// AdvanceIn records that n bytes were deposited into the window most
// recently returned by WritableSpan. n must be > 0 and must not exceed the
// length of that window.
func (b *Buffer) AdvanceIn(n int) {
	if n <= 0 {
		return
	}
	b.in += n
	if b.in == len(b.data) {
		b.in = 0
	}
	b.empty = false
}

// AdvanceOut records that n bytes were consumed from the window most
// recently returned by ReadableSpan. n must be > 0 and must not exceed the
// length of that window.
func (b *Buffer) AdvanceOut(n int) {
	if n <= 0 {
		return
	}
	b.out += n
	if b.out == len(b.data) {
		b.out = 0
	}
	if b.in == b.out {
		b.empty = true
		b.in, b.out = 0, 0
	}
}

// Reset empties the buffer, discarding any buffered bytes. Used whenever a
// connection is (un)linked (invariant C3) and whenever an unpaired
// connection's byte-bucket discard runs (spec §4.D.3).
func (b *Buffer) Reset() {
	b.in = 0
	b.out = 0
	b.empty = true
}

// Write is a convenience bulk helper used by tests: it copies as many bytes
// of p as fit, wrapping across the writable span boundary, and returns the
// number written.
func (b *Buffer) Write(p []byte) int {
	written := 0
	for written < len(p) {
		span := b.WritableSpan()
		if len(span) == 0 {
			break
		}
		n := copy(span, p[written:])
		b.AdvanceIn(n)
		written += n
	}
	return written
}

// Read is a convenience bulk helper mirroring Write: it copies as many
// buffered bytes into p as fit, wrapping across the readable span
// boundary, and returns the number read.
func (b *Buffer) Read(p []byte) int {
	read := 0
	for read < len(p) {
		span := b.ReadableSpan()
		if len(span) == 0 {
			break
		}
		n := copy(p[read:], span)
		b.AdvanceOut(n)
		read += n
	}
	return read
}
