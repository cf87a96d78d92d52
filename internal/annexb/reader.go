// Package annexb reads NAL units from Annex-B byte streams, where units are
// separated by 3-byte (0x000001) or 4-byte (0x00000001) start codes.
package annexb

import (
	"errors"
	"io"

	"h264relay/internal/window"
)

const (
	// DefaultBufferSize is the scan window used when none is given.
	DefaultBufferSize = 1 << 20

	minBufferSize = 8
)

// ErrNALUTooLarge is returned when a single NAL unit does not fit in the
// reader's window.
var ErrNALUTooLarge = errors.New("annexb: NAL unit larger than read buffer")

// NALU is one NAL unit. Payload excludes the start code.
type NALU struct {
	Type    uint8
	Payload []byte
}

func newNALU(payload []byte) NALU {
	n := NALU{Payload: payload}
	if len(payload) > 0 {
		n.Type = payload[0] & 0x1F
	}
	return n
}

// Reader yields NAL units from an underlying byte source through a bounded
// window. Reads from the source may be chunked arbitrarily.
//
// Zero-length units (two adjacent start codes) are returned as they are;
// callers filter them.
type Reader struct {
	src  io.Reader
	win  *window.Buffer
	eof  bool
	scan int // offset in the window where the next start code search resumes
}

// NewReader returns a Reader over src with a window of size bytes.
// A non-positive size selects DefaultBufferSize.
func NewReader(src io.Reader, size int) *Reader {
	switch {
	case size <= 0:
		size = DefaultBufferSize
	case size < minBufferSize:
		size = minBufferSize
	}
	return &Reader{
		src: src,
		win: window.New(size),
	}
}

// Reset discards buffered data and switches to a new source, keeping the
// allocated window.
func (r *Reader) Reset(src io.Reader) {
	r.src = src
	r.win.Reset()
	r.eof = false
	r.scan = 0
}

// Next returns the next NAL unit. It returns io.EOF once the source is
// exhausted; read errors of the source are returned as they are.
func (r *Reader) Next() (NALU, error) {
	pos, n, err := r.find(true)
	if err != nil {
		return NALU{}, err
	}
	if n == 0 {
		r.win.Reset()
		return NALU{}, io.EOF
	}
	r.advance(pos + n)

	end, _, err := r.find(false)
	if err != nil {
		return NALU{}, err
	}
	if end < 0 {
		// source exhausted: whatever is left is the last unit
		end = r.win.Len()
		if end == 0 {
			return NALU{}, io.EOF
		}
	}

	payload := make([]byte, end)
	copy(payload, r.win.Bytes()[:end])
	r.advance(end)
	return newNALU(payload), nil
}

func (r *Reader) advance(n int) {
	r.win.Advance(n)
	r.scan = 0
}

// find locates the first start code in the window, refilling it from the
// source as needed. It returns the code offset and length, or (-1, 0)
// when the source is exhausted without a code. With skipJunk set, bytes
// that cannot belong to a start code are dropped when the window is full.
func (r *Reader) find(skipJunk bool) (int, int, error) {
	for {
		buf := r.win.Bytes()
		if pos, n := index(buf, r.scan); n > 0 {
			return pos, n, nil
		}
		// no code starts before len-3; a partial code may sit in the tail
		r.scan = max(0, len(buf)-3)

		if r.eof {
			return -1, 0, nil
		}

		_, err := r.win.Fill(r.src)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			r.eof = true
		case errors.Is(err, window.ErrFull):
			if !skipJunk {
				return 0, 0, ErrNALUTooLarge
			}
			r.advance(r.scan)
		default:
			return 0, 0, err
		}
	}
}

// index returns the offset and length of the first start code in b at or
// after from, or (-1, 0). At every position the 4-byte code is checked
// before the 3-byte one.
func index(b []byte, from int) (int, int) {
	for i := from; i+3 <= len(b); i++ {
		if b[i] != 0 || b[i+1] != 0 {
			continue
		}
		if i+4 <= len(b) && b[i+2] == 0 && b[i+3] == 1 {
			return i, 4
		}
		if b[i+2] == 1 {
			return i, 3
		}
	}
	return -1, 0
}
