package rtsp

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"h264relay/internal/h264"
	"h264relay/internal/sink"
)

type fakeStream struct {
	mu   sync.Mutex
	pkts []*rtp.Packet
	fail bool
}

func (f *fakeStream) WritePacketRTP(_ *description.Media, pkt *rtp.Packet) error {
	if f.fail {
		panic("stream closed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pkts = append(f.pkts, pkt)
	return nil
}

func (f *fakeStream) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pkts)
}

var (
	testSPS = []byte{0x67, 0x42, 0xc0, 0x1e, 0xd9, 0x00, 0x8c, 0x29, 0xb0, 0x11, 0x00, 0x00, 0x03, 0x00, 0x01}
	testPPS = []byte{0x68, 0xce, 0x3c, 0x80}
)

func keyframe(pts uint64, idrSize int) h264.AccessUnit {
	var data []byte
	for _, n := range [][]byte{testSPS, testPPS, append([]byte{0x65}, bytes.Repeat([]byte{0x88}, idrSize)...)} {
		data = append(data, 0, 0, 0, 1)
		data = append(data, n...)
	}
	return h264.AccessUnit{Data: data, PTS: pts, Keyframe: true}
}

func TestPublisherRequiresConfigure(t *testing.T) {
	o := NewPublisher("cam1", 0).Attach()
	require.Error(t, o.Submit(keyframe(0, 10)))
}

func TestPublisherSubmit(t *testing.T) {
	st := &fakeStream{}
	p := NewPublisher("cam1", 0)
	p.SetStream(st)
	o := p.Attach()

	require.NoError(t, o.Configure(sink.Config{Width: 1280, Height: 720, SPS: testSPS, PPS: testPPS}))
	require.Equal(t, testSPS, p.forma.SPS)
	require.Equal(t, testPPS, p.forma.PPS)

	require.NoError(t, o.Submit(keyframe(1_000_000, 10)))
	require.NotEmpty(t, st.pkts)
	for _, pkt := range st.pkts {
		require.Equal(t, uint32(90000), pkt.Timestamp)
		require.Equal(t, uint8(payloadType), pkt.PayloadType)
	}
	require.True(t, st.pkts[len(st.pkts)-1].Marker)
	require.Equal(t, 1, o.DrainOutput())
	require.Equal(t, 0, o.DrainOutput())
}

func TestPublisherFragmentsLargeUnits(t *testing.T) {
	st := &fakeStream{}
	p := NewPublisher("cam1", 0)
	p.SetStream(st)
	o := p.Attach()
	require.NoError(t, o.Configure(sink.Config{SPS: testSPS, PPS: testPPS}))

	require.NoError(t, o.Submit(keyframe(33333, 5000)))
	require.Greater(t, len(st.pkts), 4)
	for _, pkt := range st.pkts {
		require.LessOrEqual(t, len(pkt.Payload), payloadMaxSize)
		require.Equal(t, uint32(2999), pkt.Timestamp)
	}
}

func TestPublisherRecoversFromStreamPanic(t *testing.T) {
	p := NewPublisher("cam1", 0)
	p.SetStream(&fakeStream{fail: true})
	o := p.Attach()
	require.NoError(t, o.Configure(sink.Config{}))

	require.NotPanics(t, func() {
		require.NoError(t, o.Submit(keyframe(0, 10)))
	})
}

func TestPublisherEndOfStream(t *testing.T) {
	p := NewPublisher("cam1", 0)
	o := p.Attach()
	require.NoError(t, o.Configure(sink.Config{}))
	require.True(t, p.Configured())
	require.NoError(t, o.EndOfStream())
	require.False(t, p.Configured())
	require.Error(t, o.Submit(keyframe(0, 10)))

	// a second end of stream is a no-op
	require.NoError(t, o.EndOfStream())
	require.False(t, p.Configured())
}

func TestPublisherOverlappingOutputs(t *testing.T) {
	st := &fakeStream{}
	p := NewPublisher("cam1", 10*time.Millisecond)
	p.SetStream(st)
	defer p.Close()

	b := p.Attach()
	require.NoError(t, b.Configure(sink.Config{SPS: testSPS, PPS: testPPS}))
	require.NoError(t, b.Submit(keyframe(0, 10)))

	a := p.Attach()
	require.NoError(t, a.Configure(sink.Config{SPS: testSPS, PPS: testPPS}))
	require.NoError(t, a.Submit(keyframe(33333, 10)))
	require.NoError(t, a.EndOfStream())

	// b is still live: no holdover, and its next unit goes out
	require.True(t, p.Configured())
	sent := st.count()
	require.NoError(t, b.Submit(h264.AccessUnit{Data: []byte{0, 0, 0, 1, 0x41, 0x9a}, PTS: 66666}))
	require.Greater(t, st.count(), sent)
	time.Sleep(40 * time.Millisecond)
	require.Zero(t, p.Held())
	require.Equal(t, 2, b.DrainOutput())
	require.Equal(t, 1, a.DrainOutput())

	require.NoError(t, b.EndOfStream())
	require.False(t, p.Configured())
	require.Eventually(t, func() bool { return p.Held() >= 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestPublisherHoldsLastKeyframe(t *testing.T) {
	st := &fakeStream{}
	p := NewPublisher("cam1", 10*time.Millisecond)
	p.SetStream(st)
	defer p.Close()
	o := p.Attach()

	require.NoError(t, o.Configure(sink.Config{SPS: testSPS, PPS: testPPS}))
	require.NoError(t, o.Submit(keyframe(1_000_000, 10)))
	require.NoError(t, o.Submit(h264.AccessUnit{Data: []byte{0, 0, 0, 1, 0x41, 0x9a}, PTS: 1_033_333}))
	sent := st.count()

	require.NoError(t, o.EndOfStream())
	require.Eventually(t, func() bool { return p.Held() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.Greater(t, st.count(), sent)

	st.mu.Lock()
	last := st.pkts[len(st.pkts)-1]
	st.mu.Unlock()
	require.Greater(t, last.Timestamp, uint32(92999))

	// a new session stops the repetition
	require.NoError(t, p.Attach().Configure(sink.Config{SPS: testSPS, PPS: testPPS}))
	held := p.Held()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, held, p.Held())
}

func TestPublisherNoHoldWithoutKeyframe(t *testing.T) {
	p := NewPublisher("cam1", 5*time.Millisecond)
	p.SetStream(&fakeStream{})
	o := p.Attach()
	require.NoError(t, o.Configure(sink.Config{}))
	require.NoError(t, o.EndOfStream())
	time.Sleep(30 * time.Millisecond)
	require.Zero(t, p.Held())
	p.Close()
}

func TestPathFromCtx(t *testing.T) {
	for _, ca := range []struct {
		in   string
		want string
	}{
		{"/cam1", "cam1"},
		{"/cam1/", "cam1"},
		{"/cam1?token=x", "cam1"},
		{"cam1", "cam1"},
	} {
		require.Equal(t, ca.want, pathFromCtx(ca.in), ca.in)
	}
}

func TestServerPublisherBeforeStart(t *testing.T) {
	s := NewServer(0, []string{"b", "a"}, time.Second)
	require.Equal(t, []string{"a", "b"}, s.names)
	require.Nil(t, s.Publisher("a"))
}
