// Package h264 groups H.264 NAL units into decodable access units and
// extracts frame dimensions from sequence parameter sets.
package h264

import (
	mch264 "github.com/bluenviron/mediacommon/pkg/codecs/h264"
)

// NALUType is the nal_unit_type field of a NAL unit header.
type NALUType uint8

// NAL unit types the assembler acts on (ITU-T H.264 Table 7-1).
const (
	NALUTypeNonIDR NALUType = 1
	NALUTypeIDR    NALUType = 5
	NALUTypeSEI    NALUType = 6
	NALUTypeSPS    NALUType = 7
	NALUTypePPS    NALUType = 8
)

func (t NALUType) String() string {
	return mch264.NALUType(t).String()
}

// startCode is prepended to every NAL unit written to an access unit.
var startCode = []byte{0x00, 0x00, 0x00, 0x01}
