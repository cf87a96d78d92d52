package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"
	srtgo "github.com/zsiec/srtgo"
)

// srtLatencyNs is the SRT receive latency in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// srtTransport accepts streams from SRT callers. The caller's stream ID
// must be the source name, optionally prefixed with "live/".
type srtTransport struct {
	name string
	addr string
	pool *ants.Pool
	log  *slog.Logger

	mu       sync.Mutex
	acceptFn func() (*srtgo.Conn, error)
	closeFn  func()
	closed   atomic.Bool
	wg       sync.WaitGroup
}

func newSRTTransport(name, addr string, pool *ants.Pool, log *slog.Logger) *srtTransport {
	return &srtTransport{
		name: name,
		addr: addr,
		pool: pool,
		log:  log.With("transport", "srt"),
	}
}

// streamKey strips the conventional "/live/" prefix from an SRT stream ID.
func streamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	return strings.TrimPrefix(streamID, "live/")
}

func (t *srtTransport) accept(req srtgo.ConnRequest) srtgo.RejectReason {
	key := streamKey(req.StreamID)
	if key != t.name {
		t.log.Warn("rejecting SRT caller", "stream_id", req.StreamID)
		return srtgo.RejPeer
	}
	return 0
}

func (t *srtTransport) Open() error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	ln, err := srtgo.Listen(t.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", t.addr, err)
	}
	ln.SetAcceptRejectFunc(t.accept)

	t.mu.Lock()
	t.acceptFn = ln.Accept
	t.closeFn = func() { ln.Close() }
	t.mu.Unlock()
	return nil
}

func (t *srtTransport) Addr() string {
	return t.addr
}

func (t *srtTransport) Serve(ctx context.Context, handle handleFunc) error {
	t.mu.Lock()
	accept := t.acceptFn
	t.mu.Unlock()
	if accept == nil {
		return errors.New("srt transport not open")
	}

	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()
	defer t.wg.Wait()

	t.log.Info("listening", "addr", t.addr)
	var backoff acceptBackoff
	for {
		conn, err := accept()
		if err != nil {
			if ctx.Err() != nil || t.closed.Load() {
				return nil
			}
			delay := backoff.next()
			t.log.Warn("accept error", "error", err, "retry_in", delay)
			if !sleepCtx(ctx, delay) {
				return nil
			}
			continue
		}
		backoff.reset()

		remote := conn.RemoteAddr().String()
		t.wg.Add(1)
		err = t.pool.Submit(func() {
			defer t.wg.Done()
			_ = handle(ctx, conn, remote)
		})
		if err != nil {
			t.wg.Done()
			conn.Close()
			if errors.Is(err, ants.ErrPoolOverload) {
				t.log.Warn("connection refused, worker pool saturated", "remote", remote)
				continue
			}
			return fmt.Errorf("submit connection: %w", err)
		}
		t.log.Info("publish", "stream_id", conn.StreamID(), "remote", remote)
	}
}

func (t *srtTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closeFn != nil && t.closed.CompareAndSwap(false, true) {
		t.closeFn()
	}
	return nil
}
