package protocol

import (
	"errors"
	"fmt"
)

// ErrTruncated is reported when the stream ends in the middle of a header
// or payload. The partial fragment is discarded.
var ErrTruncated = errors.New("protocol: stream ended inside a frame")

// ProtocolError is a fatal framing error. The connection must be closed;
// the demuxer never tries to resynchronise.
type ProtocolError struct {
	Reason string
	Magic  uint32
	Length uint32
}

func (e *ProtocolError) Error() string {
	switch {
	case e.Length != 0:
		return fmt.Sprintf("protocol: %s (payload length %d)", e.Reason, e.Length)
	default:
		return fmt.Sprintf("protocol: %s (magic 0x%08X)", e.Reason, e.Magic)
	}
}
