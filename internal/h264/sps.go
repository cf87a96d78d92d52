package h264

import (
	"errors"
	"fmt"

	mch264 "github.com/bluenviron/mediacommon/pkg/codecs/h264"
)

// SPS holds the sequence parameter set fields needed to walk the syntax
// up to the frame size. Only Width and Height are used by callers.
type SPS struct {
	ProfileIDC      uint8
	LevelIDC        uint8
	ChromaFormatIDC uint32
	Width           int
	Height          int
}

// profiles that carry chroma format, bit depth and scaling matrices
func hasChromaInfo(profile uint8) bool {
	switch profile {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128:
		return true
	}
	return false
}

// ParseSPS walks an SPS NAL unit (header byte included, start code
// excluded) and derives the frame size.
//
// Crop offsets are always doubled regardless of chroma format or
// frame_mbs_only_flag. Existing senders rely on that formula.
func ParseSPS(nalu []byte) (SPS, error) {
	if len(nalu) < 2 {
		return SPS{}, errors.New("SPS too short")
	}
	if typ := NALUType(nalu[0] & 0x1F); typ != NALUTypeSPS {
		return SPS{}, fmt.Errorf("not an SPS: %v", typ)
	}

	var s SPS
	err := s.unmarshal(newBitReader(mch264.EmulationPreventionRemove(nalu[1:])))
	if err != nil {
		return SPS{}, fmt.Errorf("parse SPS: %w", err)
	}
	if s.Width <= 0 || s.Height <= 0 {
		return SPS{}, fmt.Errorf("parse SPS: invalid size %dx%d", s.Width, s.Height)
	}
	return s, nil
}

// Dimensions returns the frame size of an SPS, or (0, 0) when it cannot
// be parsed.
func Dimensions(nalu []byte) (width, height int) {
	s, err := ParseSPS(nalu)
	if err != nil {
		return 0, 0
	}
	return s.Width, s.Height
}

func (s *SPS) unmarshal(br *bitReader) error {
	profile, err := br.readBits(8)
	if err != nil {
		return err
	}
	s.ProfileIDC = uint8(profile)

	// constraint_set0..3 flags, reserved_zero_4bits
	if _, err = br.readBits(8); err != nil {
		return err
	}

	level, err := br.readBits(8)
	if err != nil {
		return err
	}
	s.LevelIDC = uint8(level)

	// seq_parameter_set_id
	if _, err = br.readUE(); err != nil {
		return err
	}

	s.ChromaFormatIDC = 1
	if hasChromaInfo(s.ProfileIDC) {
		if err = s.readChromaInfo(br); err != nil {
			return err
		}
	}

	// log2_max_frame_num_minus4
	if _, err = br.readUE(); err != nil {
		return err
	}

	if err = skipPicOrderCnt(br); err != nil {
		return err
	}

	// max_num_ref_frames
	if _, err = br.readUE(); err != nil {
		return err
	}
	// gaps_in_frame_num_value_allowed_flag
	if _, err = br.readBit(); err != nil {
		return err
	}

	widthMbsMinus1, err := br.readUE()
	if err != nil {
		return err
	}
	heightMapUnitsMinus1, err := br.readUE()
	if err != nil {
		return err
	}
	frameMbsOnly, err := br.readBit()
	if err != nil {
		return err
	}
	if frameMbsOnly == 0 {
		// mb_adaptive_frame_field_flag
		if _, err = br.readBit(); err != nil {
			return err
		}
	}
	// direct_8x8_inference_flag
	if _, err = br.readBit(); err != nil {
		return err
	}

	width := (int64(widthMbsMinus1) + 1) * 16
	height := (int64(heightMapUnitsMinus1) + 1) * 16 * (2 - int64(frameMbsOnly))

	cropping, err := br.readFlag()
	if err != nil {
		return err
	}
	if cropping {
		var crop [4]uint32 // left, right, top, bottom
		for i := range crop {
			if crop[i], err = br.readUE(); err != nil {
				return err
			}
		}
		width -= (int64(crop[0]) + int64(crop[1])) * 2
		height -= (int64(crop[2]) + int64(crop[3])) * 2
	}

	if width > 1<<16 || height > 1<<16 {
		return fmt.Errorf("size %dx%d out of range", width, height)
	}
	s.Width = int(width)
	s.Height = int(height)
	return nil
}

func (s *SPS) readChromaInfo(br *bitReader) error {
	var err error
	if s.ChromaFormatIDC, err = br.readUE(); err != nil {
		return err
	}
	if s.ChromaFormatIDC == 3 {
		// separate_colour_plane_flag
		if _, err = br.readBit(); err != nil {
			return err
		}
	}

	// bit_depth_luma_minus8, bit_depth_chroma_minus8
	for i := 0; i < 2; i++ {
		if _, err = br.readUE(); err != nil {
			return err
		}
	}
	// qpprime_y_zero_transform_bypass_flag
	if _, err = br.readBit(); err != nil {
		return err
	}

	matrixPresent, err := br.readFlag()
	if err != nil || !matrixPresent {
		return err
	}

	lists := 8
	if s.ChromaFormatIDC == 3 {
		lists = 12
	}
	for i := 0; i < lists; i++ {
		present, err := br.readFlag()
		if err != nil {
			return err
		}
		if !present {
			continue
		}
		size := 64
		if i < 6 {
			size = 16
		}
		if err := skipScalingList(br, size); err != nil {
			return err
		}
	}
	return nil
}

func skipScalingList(br *bitReader, size int) error {
	lastScale, nextScale := int32(8), int32(8)
	for j := 0; j < size; j++ {
		if nextScale != 0 {
			delta, err := br.readSE()
			if err != nil {
				return err
			}
			nextScale = (lastScale + delta + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
	return nil
}

func skipPicOrderCnt(br *bitReader) error {
	pocType, err := br.readUE()
	if err != nil {
		return err
	}

	switch pocType {
	case 0:
		// log2_max_pic_order_cnt_lsb_minus4
		_, err = br.readUE()
		return err

	case 1:
		// delta_pic_order_always_zero_flag
		if _, err = br.readBit(); err != nil {
			return err
		}
		// offset_for_non_ref_pic, offset_for_top_to_bottom_field
		for i := 0; i < 2; i++ {
			if _, err = br.readSE(); err != nil {
				return err
			}
		}
		cycle, err := br.readUE()
		if err != nil {
			return err
		}
		for i := uint32(0); i < cycle; i++ {
			if _, err = br.readSE(); err != nil {
				return err
			}
		}
	}
	return nil
}
