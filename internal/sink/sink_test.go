package sink

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"h264relay/internal/h264"
)

type recorder struct {
	mu       sync.Mutex
	cfgs     []Config
	units    []h264.AccessUnit
	pending  int
	eos      int
	failWith error
}

func (r *recorder) Configure(cfg Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfgs = append(r.cfgs, cfg)
	return nil
}

func (r *recorder) Submit(au h264.AccessUnit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	r.units = append(r.units, au)
	r.pending++
	return nil
}

func (r *recorder) DrainOutput() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.pending
	r.pending = 0
	return n
}

func (r *recorder) EndOfStream() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eos++
	return nil
}

type nopCloser struct {
	bytes.Buffer
	closed bool
}

func (n *nopCloser) Close() error {
	n.closed = true
	return nil
}

func au(pts uint64) h264.AccessUnit {
	return h264.AccessUnit{Data: []byte{0, 0, 0, 1, 0x41, byte(pts)}, PTS: pts}
}

func TestParsePolicy(t *testing.T) {
	for _, ca := range []struct {
		in   string
		want Policy
	}{
		{"", PolicyBlock},
		{"block", PolicyBlock},
		{"drop", PolicyDrop},
	} {
		p, err := ParsePolicy(ca.in)
		require.NoError(t, err)
		require.Equal(t, ca.want, p)
		require.Equal(t, ca.want.String(), p.String())
	}

	_, err := ParsePolicy("lossy")
	require.Error(t, err)
}

func TestQueueOrderAndEndOfStream(t *testing.T) {
	q := NewQueue(4, PolicyBlock, nil)
	rec := &recorder{}

	done := make(chan error, 1)
	go func() { done <- q.Run(context.Background(), rec) }()

	ctx := context.Background()
	require.NoError(t, q.Configure(ctx, Config{Width: 640, Height: 480}))
	for i := uint64(0); i < 20; i++ {
		require.NoError(t, q.Put(ctx, au(i)))
	}
	q.Close()
	require.NoError(t, <-done)

	require.Equal(t, []Config{{Width: 640, Height: 480}}, rec.cfgs)
	require.Len(t, rec.units, 20)
	for i, u := range rec.units {
		require.Equal(t, uint64(i), u.PTS)
	}
	require.Equal(t, 1, rec.eos)

	require.ErrorIs(t, q.Put(ctx, au(99)), ErrQueueClosed)
}

func TestQueueDropPolicy(t *testing.T) {
	q := NewQueue(2, PolicyDrop, nil)
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, au(1)))
	require.NoError(t, q.Put(ctx, au(2)))
	require.ErrorIs(t, q.Put(ctx, au(3)), ErrDropped)
	require.Equal(t, 2, q.Len())

	q.Close()
	rec := &recorder{}
	require.NoError(t, q.Run(ctx, rec))
	require.Len(t, rec.units, 2)
	require.Equal(t, uint64(2), rec.units[1].PTS)
}

func TestQueueBlockPolicyWaitsForContext(t *testing.T) {
	q := NewQueue(1, PolicyBlock, nil)
	require.NoError(t, q.Put(context.Background(), au(1)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, q.Put(ctx, au(2)), context.DeadlineExceeded)
}

func TestQueueBlockedPutReleasedByClose(t *testing.T) {
	q := NewQueue(1, PolicyBlock, nil)
	require.NoError(t, q.Put(context.Background(), au(1)))

	errc := make(chan error, 1)
	go func() { errc <- q.Put(context.Background(), au(2)) }()

	time.Sleep(10 * time.Millisecond)
	q.Close()
	require.ErrorIs(t, <-errc, ErrQueueClosed)
}

func TestQueueRunStopsOnSubmitError(t *testing.T) {
	q := NewQueue(4, PolicyBlock, nil)
	boom := errors.New("decoder gone")
	rec := &recorder{failWith: boom}

	require.NoError(t, q.Put(context.Background(), au(1)))
	err := q.Run(context.Background(), rec)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, rec.eos)
}

func TestQueueRunContextCancel(t *testing.T) {
	q := NewQueue(4, PolicyBlock, nil)
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, q.Run(ctx, rec), context.Canceled)
	require.Equal(t, 1, rec.eos)
}

func TestFileSink(t *testing.T) {
	w := &nopCloser{}
	f := NewFile(w, nil)

	require.Error(t, f.Submit(au(0)))

	require.NoError(t, f.Configure(Config{Width: 320, Height: 240}))
	require.NoError(t, f.Submit(au(1)))
	require.NoError(t, f.Submit(au(2)))
	require.Equal(t, 2, f.DrainOutput())
	require.Equal(t, 0, f.DrainOutput())

	require.NoError(t, f.EndOfStream())
	require.True(t, w.closed)
	require.NoError(t, f.EndOfStream())
	require.Error(t, f.Submit(au(3)))

	require.Equal(t, append(au(1).Data, au(2).Data...), w.Bytes())
}

func TestCreateFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dumps")
	f, err := CreateFile(dir, "cam1", nil)
	require.NoError(t, err)

	require.NoError(t, f.Configure(Config{}))
	require.NoError(t, f.Submit(au(7)))
	require.NoError(t, f.EndOfStream())

	data, err := os.ReadFile(filepath.Join(dir, "cam1.h264"))
	require.NoError(t, err)
	require.Equal(t, au(7).Data, data)
}

func TestMulti(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := Multi{a, b}

	require.NoError(t, m.Configure(Config{Width: 2, Height: 2}))
	require.NoError(t, m.Submit(au(1)))
	require.Equal(t, 1, m.DrainOutput())
	require.NoError(t, m.EndOfStream())

	for _, r := range []*recorder{a, b} {
		require.Len(t, r.cfgs, 1)
		require.Len(t, r.units, 1)
		require.Equal(t, 1, r.eos)
	}

	boom := errors.New("boom")
	b.failWith = boom
	require.ErrorIs(t, m.Submit(au(2)), boom)
	require.Len(t, a.units, 2)
}
