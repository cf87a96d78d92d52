package annexb

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/require"
)

// randomChunkReader returns between 1 and max bytes per Read.
type randomChunkReader struct {
	data []byte
	rnd  *rand.Rand
	max  int
}

func (r *randomChunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := 1 + r.rnd.Intn(r.max)
	n = min(n, len(p), len(r.data))
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func readAll(t *testing.T, r *Reader) [][]byte {
	t.Helper()
	var out [][]byte
	for {
		n, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, n.Payload)
	}
}

// randomPayload never contains two consecutive zeros and never ends with
// a zero, so no start code can appear inside or across its boundaries.
func randomPayload(rnd *rand.Rand) []byte {
	size := 1 + rnd.Intn(64)
	p := make([]byte, size)
	for i := range p {
		p[i] = byte(1 + rnd.Intn(255))
		if i > 0 && i < size-1 && p[i-1] != 0 && rnd.Intn(6) == 0 {
			p[i] = 0
		}
	}
	return p
}

func TestReaderRoundTrip(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))

	for iter := 0; iter < 200; iter++ {
		var payloads [][]byte
		var stream []byte
		for i := 0; i < 1+rnd.Intn(20); i++ {
			p := randomPayload(rnd)
			payloads = append(payloads, p)
			if rnd.Intn(2) == 0 {
				stream = append(stream, 0, 0, 1)
			} else {
				stream = append(stream, 0, 0, 0, 1)
			}
			stream = append(stream, p...)
		}

		src := &randomChunkReader{data: stream, rnd: rnd, max: 1 + rnd.Intn(32)}
		r := NewReader(src, 128)
		require.Equal(t, payloads, readAll(t, r), "iteration %d", iter)
	}
}

func TestReaderOneByteAtATime(t *testing.T) {
	stream := []byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0x11, 0x22,
		0x00, 0x00, 0x01, 0x68, 0x33,
		0x00, 0x00, 0x00, 0x01, 0x65, 0x44, 0x55, 0x66,
	}
	r := NewReader(iotest.OneByteReader(bytes.NewReader(stream)), 0)

	n, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, uint8(7), n.Type)
	require.Equal(t, []byte{0x67, 0x11, 0x22}, n.Payload)

	n, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, uint8(8), n.Type)
	require.Equal(t, []byte{0x68, 0x33}, n.Payload)

	n, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, uint8(5), n.Type)
	require.Equal(t, []byte{0x65, 0x44, 0x55, 0x66}, n.Payload)

	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestReaderFourByteCodePriority(t *testing.T) {
	// a 3-byte search would end the first unit with a stray zero
	stream := []byte{0x00, 0x00, 0x01, 0x09, 0xF0, 0x00, 0x00, 0x00, 0x01, 0x41, 0x9A}
	r := NewReader(bytes.NewReader(stream), 0)
	require.Equal(t, [][]byte{{0x09, 0xF0}, {0x41, 0x9A}}, readAll(t, r))
}

func TestReaderAdjacentStartCodes(t *testing.T) {
	stream := []byte{0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x01, 0x65, 0x01}
	r := NewReader(bytes.NewReader(stream), 0)

	n, err := r.Next()
	require.NoError(t, err)
	require.Empty(t, n.Payload)
	require.Equal(t, uint8(0), n.Type)

	n, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, []byte{0x65, 0x01}, n.Payload)
}

func TestReaderLeadingJunk(t *testing.T) {
	stream := append(bytes.Repeat([]byte{0xAB}, 100), 0x00, 0x00, 0x01, 0x61, 0x02)
	r := NewReader(bytes.NewReader(stream), 16)
	require.Equal(t, [][]byte{{0x61, 0x02}}, readAll(t, r))
}

func TestReaderNoStartCode(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{1, 2, 3, 4, 5}), 0)
	_, err := r.Next()
	require.ErrorIs(t, err, io.EOF)

	r = NewReader(bytes.NewReader(nil), 0)
	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestReaderTrailingStartCode(t *testing.T) {
	stream := []byte{0x00, 0x00, 0x01, 0x61, 0x02, 0x00, 0x00, 0x01}
	r := NewReader(bytes.NewReader(stream), 0)
	require.Equal(t, [][]byte{{0x61, 0x02}}, readAll(t, r))
}

func TestReaderTooLarge(t *testing.T) {
	stream := append([]byte{0x00, 0x00, 0x01}, bytes.Repeat([]byte{0x41}, 64)...)
	stream = append(stream, 0x00, 0x00, 0x01, 0x41)
	r := NewReader(bytes.NewReader(stream), 16)
	_, err := r.Next()
	require.ErrorIs(t, err, ErrNALUTooLarge)
}

func TestReaderPropagatesReadError(t *testing.T) {
	boom := errors.New("connection reset")
	src := io.MultiReader(
		bytes.NewReader([]byte{0x00, 0x00, 0x01, 0x61, 0x02}),
		iotest.ErrReader(boom),
	)
	r := NewReader(src, 0)
	_, err := r.Next()
	require.ErrorIs(t, err, boom)
}

func TestReaderReset(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{0x00, 0x00, 0x01, 0x61, 0xAA, 0xBB}), 0)
	n, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, []byte{0x61, 0xAA, 0xBB}, n.Payload)

	r.Reset(bytes.NewReader([]byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x42}))
	n, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, []byte{0x67, 0x42}, n.Payload)
}
