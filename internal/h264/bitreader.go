package h264

import "errors"

var errBitsExhausted = errors.New("bit reader exhausted")

// bitReader reads MSB-first bits and Exp-Golomb codes from an RBSP.
type bitReader struct {
	data []byte
	pos  int
	bit  int
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

func (br *bitReader) readBit() (uint32, error) {
	if br.pos >= len(br.data) {
		return 0, errBitsExhausted
	}
	v := uint32(br.data[br.pos]>>(7-br.bit)) & 1
	br.bit++
	if br.bit == 8 {
		br.bit = 0
		br.pos++
	}
	return v, nil
}

func (br *bitReader) readBits(n int) (uint32, error) {
	var v uint32
	for i := 0; i < n; i++ {
		b, err := br.readBit()
		if err != nil {
			return 0, err
		}
		v = v<<1 | b
	}
	return v, nil
}

func (br *bitReader) readFlag() (bool, error) {
	b, err := br.readBit()
	return b == 1, err
}

// readUE reads an unsigned Exp-Golomb code.
func (br *bitReader) readUE() (uint32, error) {
	lz := 0
	for {
		b, err := br.readBit()
		if err != nil {
			return 0, err
		}
		if b == 1 {
			break
		}
		lz++
		if lz > 31 {
			return 0, errors.New("exp-golomb code too long")
		}
	}
	if lz == 0 {
		return 0, nil
	}
	suffix, err := br.readBits(lz)
	if err != nil {
		return 0, err
	}
	return (1<<lz - 1) + suffix, nil
}

// readSE reads a signed Exp-Golomb code: even codes map to -(k/2),
// odd codes to (k+1)/2.
func (br *bitReader) readSE() (int32, error) {
	k, err := br.readUE()
	if err != nil {
		return 0, err
	}
	if k%2 == 0 {
		return -int32(k / 2), nil
	}
	return int32((k + 1) / 2), nil
}
