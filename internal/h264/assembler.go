package h264

import (
	"log/slog"

	"h264relay/internal/annexb"
)

// AccessUnit is one decodable unit handed to the decoder: one or more NAL
// units, each prefixed with a 4-byte start code.
type AccessUnit struct {
	Data     []byte
	PTS      uint64 // microseconds
	Keyframe bool
}

// State is the assembler state.
type State int

const (
	// StateIdle means no keyframe sequence is pending.
	StateIdle State = iota
	// StateAccumulating means an SPS was seen and the IDR is awaited.
	StateAccumulating
)

func (s State) String() string {
	if s == StateAccumulating {
		return "accumulating"
	}
	return "idle"
}

// Stats counts what the assembler did with its input.
type Stats struct {
	AccessUnits        int64 `json:"access_units"`
	Keyframes          int64 `json:"keyframes"`
	SequenceViolations int64 `json:"sequence_violations"`
	DroppedParams      int64 `json:"dropped_params"`
	Ignored            int64 `json:"ignored"`
	SPSParseFailures   int64 `json:"sps_parse_failures"`
}

// Assembler groups NAL units into access units:
//
//   - SPS starts a keyframe sequence; PPS and SEI are collected into it and
//     dropped outside of one.
//   - IDR completes the sequence, or is emitted alone when none is pending.
//   - A non-IDR slice while a sequence is pending abandons the sequence;
//     the slice itself is always emitted alone.
//   - Every other type is ignored.
//
// An Assembler belongs to a single goroutine.
type Assembler struct {
	// OnDimensions is called once, with the frame size of the first SPS
	// that parses successfully.
	OnDimensions func(width, height int)

	log     *slog.Logger
	waiting bool
	pending []byte

	width  int
	height int
	sps    []byte
	pps    []byte

	stats Stats
}

// NewAssembler returns an idle Assembler. If log is nil, slog.Default()
// is used.
func NewAssembler(log *slog.Logger) *Assembler {
	if log == nil {
		log = slog.Default()
	}
	return &Assembler{log: log}
}

// State returns the current state.
func (a *Assembler) State() State {
	if a.waiting {
		return StateAccumulating
	}
	return StateIdle
}

// Stats returns a copy of the counters.
func (a *Assembler) Stats() Stats {
	return a.stats
}

// Dimensions returns the published frame size, or (0, 0) before the
// first SPS has been parsed.
func (a *Assembler) Dimensions() (width, height int) {
	return a.width, a.height
}

// ParameterSets returns the most recent SPS and PPS payloads.
func (a *Assembler) ParameterSets() (sps, pps []byte) {
	return a.sps, a.pps
}

// Reset drops any pending sequence and returns to idle. Published
// dimensions and parameter sets are kept.
func (a *Assembler) Reset() {
	a.waiting = false
	a.pending = a.pending[:0]
}

// Push feeds one NAL unit stamped with pts and returns the access unit it
// completes, if any. Zero-length units must be filtered by the caller.
func (a *Assembler) Push(n annexb.NALU, pts uint64) (AccessUnit, bool) {
	switch NALUType(n.Type) {
	case NALUTypeSPS:
		a.pending = append(a.pending[:0], startCode...)
		a.pending = append(a.pending, n.Payload...)
		a.waiting = true
		a.sps = n.Payload
		a.probeDimensions(n.Payload)

	case NALUTypePPS, NALUTypeSEI:
		if !a.waiting {
			a.stats.DroppedParams++
			return AccessUnit{}, false
		}
		a.pending = append(a.pending, startCode...)
		a.pending = append(a.pending, n.Payload...)
		if NALUType(n.Type) == NALUTypePPS {
			a.pps = n.Payload
		}

	case NALUTypeIDR:
		if !a.waiting {
			return a.emit(single(n.Payload), pts, true), true
		}
		a.pending = append(a.pending, startCode...)
		a.pending = append(a.pending, n.Payload...)
		data := make([]byte, len(a.pending))
		copy(data, a.pending)
		a.Reset()
		return a.emit(data, pts, true), true

	case NALUTypeNonIDR:
		if a.waiting {
			a.stats.SequenceViolations++
			a.log.Debug("slice while waiting for IDR, dropping keyframe sequence",
				"pending_bytes", len(a.pending))
			a.Reset()
		}
		return a.emit(single(n.Payload), pts, false), true

	default:
		a.stats.Ignored++
	}
	return AccessUnit{}, false
}

func (a *Assembler) emit(data []byte, pts uint64, key bool) AccessUnit {
	a.stats.AccessUnits++
	if key {
		a.stats.Keyframes++
	}
	return AccessUnit{Data: data, PTS: pts, Keyframe: key}
}

// probeDimensions parses SPS payloads until one yields a frame size, then
// publishes it once.
func (a *Assembler) probeDimensions(sps []byte) {
	if a.width != 0 {
		return
	}
	s, err := ParseSPS(sps)
	if err != nil {
		a.stats.SPSParseFailures++
		a.log.Warn("SPS parse failed, deferring decoder configuration", "error", err)
		return
	}
	a.width, a.height = s.Width, s.Height
	a.log.Info("stream dimensions",
		"width", s.Width, "height", s.Height,
		"profile", s.ProfileIDC, "level", s.LevelIDC)
	if a.OnDimensions != nil {
		a.OnDimensions(s.Width, s.Height)
	}
}

func single(payload []byte) []byte {
	data := make([]byte, 0, len(startCode)+len(payload))
	data = append(data, startCode...)
	return append(data, payload...)
}
