package annexb

import (
	"reflect"
	"testing"
)

func TestSplitFourByteStartCode(t *testing.T) {
	// Two NAL units with 4-byte start codes.
	data := []byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0xAA, 0xBB, // SPS
		0x00, 0x00, 0x00, 0x01, 0x68, 0xCC, // PPS
	}
	got := Split(data)
	want := [][]byte{
		{0x67, 0xAA, 0xBB},
		{0x68, 0xCC},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSplitThreeByteStartCode(t *testing.T) {
	data := []byte{
		0x00, 0x00, 0x01, 0x67, 0xAA,
		0x00, 0x00, 0x01, 0x68, 0xBB, 0xCC,
	}
	got := Split(data)
	want := [][]byte{
		{0x67, 0xAA},
		{0x68, 0xBB, 0xCC},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSplitMixed(t *testing.T) {
	data := []byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0x11,
		0x00, 0x00, 0x01, 0x68, 0x22,
		0x00, 0x00, 0x00, 0x01, 0x65, 0x33, 0x44,
	}
	got := Split(data)
	if len(got) != 3 {
		t.Fatalf("got %d NALUs, want 3", len(got))
	}
	for i, typ := range []byte{0x67, 0x68, 0x65} {
		if got[i][0] != typ {
			t.Errorf("NALU[%d] type = 0x%02x, want 0x%02x", i, got[i][0], typ)
		}
	}
}

func TestSplitEmpty(t *testing.T) {
	if got := Split(nil); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
	if got := Split([]byte{0x00}); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
	if got := Split([]byte{0x00, 0x00, 0x01}); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestSplitIsolation(t *testing.T) {
	// Verify returned slices don't alias the input.
	data := []byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x11}
	got := Split(data)
	got[0][0] = 0xFF
	if data[4] == 0xFF {
		t.Error("returned slice aliases input data")
	}
}

func TestSplitMixedStartCodes(t *testing.T) {
	data := []byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0x42,
		0x00, 0x00, 0x01, 0x68, 0xCE,
		0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84,
	}
	want := [][]byte{{0x67, 0x42}, {0x68, 0xCE}, {0x65, 0x88, 0x84}}
	if got := Split(data); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
