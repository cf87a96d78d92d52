package protocol

import (
	"errors"
	"io"

	"h264relay/internal/window"
)

// Demuxer splits a byte stream into frames. Input may be chunked
// arbitrarily; incomplete data is kept until the rest arrives.
//
// After a ProtocolError the demuxer is dead: it consumes nothing further
// and every call returns the same error.
type Demuxer struct {
	win        *window.Buffer
	maxPayload uint32
	err        error
}

// NewDemuxer returns a Demuxer that rejects payloads longer than
// maxPayload bytes. A non-positive value selects DefaultMaxPayload.
func NewDemuxer(maxPayload int) *Demuxer {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Demuxer{
		win:        window.New(HeaderSize + maxPayload),
		maxPayload: uint32(maxPayload),
	}
}

// Pending returns the number of buffered bytes not yet part of a frame.
func (d *Demuxer) Pending() int {
	return d.win.Len()
}

// Feed appends p to the stream and returns every frame it completes.
// When a ProtocolError is returned, frames decoded before the bad header
// are still returned and valid.
func (d *Demuxer) Feed(p []byte) ([]Frame, error) {
	if d.err != nil {
		return nil, d.err
	}

	var frames []Frame
	for {
		n, _ := d.win.Write(p)
		p = p[n:]

		var err error
		frames, err = d.drain(frames)
		if err != nil {
			return frames, err
		}
		if len(p) == 0 {
			return frames, nil
		}
		if n == 0 && d.win.Free() == 0 {
			// cannot happen while the window holds a maximum-size frame
			d.err = errors.New("protocol: demuxer window stalled")
			return frames, d.err
		}
	}
}

// Pump reads src until it is exhausted and calls fn for every frame.
// It returns nil on a clean end of stream, ErrTruncated when the stream
// stops inside a frame, a *ProtocolError on bad framing, the error of fn,
// or the read error.
func (d *Demuxer) Pump(src io.Reader, fn func(Frame) error) error {
	if d.err != nil {
		return d.err
	}

	var frames []Frame
	for {
		n, rerr := d.win.Fill(src)
		if n > 0 {
			var derr error
			frames, derr = d.drain(frames[:0])
			for _, f := range frames {
				if err := fn(f); err != nil {
					return err
				}
			}
			if derr != nil {
				return derr
			}
		}

		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF):
			return d.Close()
		case errors.Is(rerr, window.ErrFull):
			d.err = errors.New("protocol: demuxer window stalled")
			return d.err
		default:
			return rerr
		}
	}
}

// Close ends the stream. It returns ErrTruncated when a partial frame was
// still buffered; the fragment is dropped.
func (d *Demuxer) Close() error {
	if d.err != nil {
		return nil
	}
	if d.win.Len() > 0 {
		d.win.Reset()
		return ErrTruncated
	}
	return nil
}

// drain appends every complete frame in the window to frames.
func (d *Demuxer) drain(frames []Frame) ([]Frame, error) {
	for d.win.Len() >= HeaderSize {
		buf := d.win.Bytes()
		h := parseHeader(buf)

		if h.Magic != Magic {
			d.err = &ProtocolError{Reason: "bad magic", Magic: h.Magic}
			return frames, d.err
		}
		if h.PayloadLength > d.maxPayload {
			d.err = &ProtocolError{Reason: "payload exceeds limit", Magic: h.Magic, Length: h.PayloadLength}
			return frames, d.err
		}

		total := HeaderSize + int(h.PayloadLength)
		if len(buf) < total {
			break
		}

		payload := make([]byte, h.PayloadLength)
		copy(payload, buf[HeaderSize:total])
		frames = append(frames, Frame{Header: h, Payload: payload})
		d.win.Advance(total)
	}
	return frames, nil
}
