// Package window implements the bounded sliding byte buffer shared by the
// frame demuxer and the Annex-B reader.
//
// A Buffer is a fixed-capacity array with a read cursor and a write cursor.
// Consumers look at the unread bytes through Bytes, consume them with
// Advance, and append more with Write or Fill. Unread bytes are moved to the
// front of the array only when the tail runs out of space.
package window

import (
	"errors"
	"io"
)

// ErrFull is returned when the buffer has no free space left.
var ErrFull = errors.New("window: buffer full")

// Buffer is a bounded sliding window over a byte stream.
// It is not safe for concurrent use.
type Buffer struct {
	buf []byte
	r   int
	w   int
}

// New allocates a Buffer able to hold size unread bytes.
func New(size int) *Buffer {
	if size <= 0 {
		panic("window: non-positive size")
	}
	return &Buffer{buf: make([]byte, size)}
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int { return len(b.buf) }

// Len returns the number of unread bytes.
func (b *Buffer) Len() int { return b.w - b.r }

// Free returns how many bytes can still be appended.
func (b *Buffer) Free() int { return len(b.buf) - b.Len() }

// Bytes returns the unread bytes. The slice is only valid until the next
// call to Advance, Write, Fill or Reset.
func (b *Buffer) Bytes() []byte { return b.buf[b.r:b.w] }

// Advance consumes n unread bytes.
func (b *Buffer) Advance(n int) {
	if n < 0 || n > b.Len() {
		panic("window: advance out of range")
	}
	b.r += n
	if b.r == b.w {
		b.r, b.w = 0, 0
	}
}

// Reset discards all unread bytes.
func (b *Buffer) Reset() {
	b.r, b.w = 0, 0
}

// Write appends as much of p as fits and reports how many bytes were
// copied. It returns ErrFull when p did not fit entirely.
func (b *Buffer) Write(p []byte) (int, error) {
	b.makeRoom(len(p))
	n := copy(b.buf[b.w:], p)
	b.w += n
	if n < len(p) {
		return n, ErrFull
	}
	return n, nil
}

// Fill performs a single Read from src into the free space.
// It returns ErrFull without reading when there is no free space.
func (b *Buffer) Fill(src io.Reader) (int, error) {
	b.makeRoom(max(1, len(b.buf)/2))
	if b.w == len(b.buf) {
		return 0, ErrFull
	}
	n, err := src.Read(b.buf[b.w:])
	if n < 0 || n > len(b.buf)-b.w {
		return 0, errors.New("window: invalid read count")
	}
	b.w += n
	return n, err
}

// makeRoom compacts the unread bytes to the front when fewer than need
// bytes are free at the tail.
func (b *Buffer) makeRoom(need int) {
	if b.r == 0 || len(b.buf)-b.w >= need {
		return
	}
	n := copy(b.buf, b.buf[b.r:b.w])
	b.r, b.w = 0, n
}
