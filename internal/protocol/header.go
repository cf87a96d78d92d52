// Package protocol implements the length-prefixed media frame protocol:
// a fixed 21-byte little-endian header followed by an opaque payload.
//
//	magic:u32  mediaType:u8  timestamp:u64  rotation:i32  payloadLength:u32
//
// The package never looks inside payloads.
package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	// Magic is the value every frame header starts with.
	Magic uint32 = 0x0133C96C

	// HeaderSize is the encoded header length.
	HeaderSize = 21

	// DefaultMaxPayload is the payload cap used when none is configured.
	DefaultMaxPayload = 4 << 20
)

// MediaType identifies the codec carried by a frame.
type MediaType uint8

// Media types defined by the protocol.
const (
	MediaPCM MediaType = iota
	MediaOpus
	MediaH264
	MediaH265
	MediaVP8
)

func (t MediaType) String() string {
	switch t {
	case MediaPCM:
		return "pcm"
	case MediaOpus:
		return "opus"
	case MediaH264:
		return "h264"
	case MediaH265:
		return "h265"
	case MediaVP8:
		return "vp8"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Header is a decoded frame header.
type Header struct {
	Magic         uint32
	MediaType     MediaType
	Timestamp     uint64 // microseconds
	Rotation      int32  // degrees
	PayloadLength uint32
}

// Frame is a header plus its payload.
type Frame struct {
	Header  Header
	Payload []byte
}

// parseHeader decodes the first HeaderSize bytes of b without validating them.
func parseHeader(b []byte) Header {
	_ = b[HeaderSize-1]
	return Header{
		Magic:         binary.LittleEndian.Uint32(b[0:4]),
		MediaType:     MediaType(b[4]),
		Timestamp:     binary.LittleEndian.Uint64(b[5:13]),
		Rotation:      int32(binary.LittleEndian.Uint32(b[13:17])),
		PayloadLength: binary.LittleEndian.Uint32(b[17:21]),
	}
}

// Append appends the encoded header to b.
func (h Header) Append(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, h.Magic)
	b = append(b, byte(h.MediaType))
	b = binary.LittleEndian.AppendUint64(b, h.Timestamp)
	b = binary.LittleEndian.AppendUint32(b, uint32(h.Rotation))
	return binary.LittleEndian.AppendUint32(b, h.PayloadLength)
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (h Header) MarshalBinary() ([]byte, error) {
	return h.Append(make([]byte, 0, HeaderSize)), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. It checks the
// length and the magic value.
func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("header too short: %d bytes", len(b))
	}
	ph := parseHeader(b)
	if ph.Magic != Magic {
		return &ProtocolError{Reason: "bad magic", Magic: ph.Magic}
	}
	*h = ph
	return nil
}

// AppendFrame appends a complete frame to b. Magic and PayloadLength
// are filled in from the arguments.
func AppendFrame(b []byte, h Header, payload []byte) []byte {
	h.Magic = Magic
	h.PayloadLength = uint32(len(payload))
	b = h.Append(b)
	return append(b, payload...)
}
