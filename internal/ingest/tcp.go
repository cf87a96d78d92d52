package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/panjf2000/ants/v2"
)

// tcpTransport accepts framed (or raw Annex-B) streams over TCP. Each
// connection runs on the shared worker pool; when the pool is saturated
// the connection is refused.
type tcpTransport struct {
	addr string
	pool *ants.Pool
	log  *slog.Logger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

func newTCPTransport(addr string, pool *ants.Pool, log *slog.Logger) *tcpTransport {
	return &tcpTransport{addr: addr, pool: pool, log: log.With("transport", "tcp")}
}

func (t *tcpTransport) Open() error {
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("tcp listen on %s: %w", t.addr, err)
	}
	t.mu.Lock()
	t.ln = ln
	t.mu.Unlock()
	return nil
}

func (t *tcpTransport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln != nil {
		return t.ln.Addr().String()
	}
	return t.addr
}

func (t *tcpTransport) Serve(ctx context.Context, handle handleFunc) error {
	t.mu.Lock()
	ln := t.ln
	t.mu.Unlock()
	if ln == nil {
		return errors.New("tcp transport not open")
	}

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer t.wg.Wait()

	t.log.Info("listening", "addr", ln.Addr())
	var backoff acceptBackoff
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
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
				t.log.Warn("connection refused, worker pool saturated",
					"remote", remote, "running", t.pool.Running(), "cap", t.pool.Cap())
				continue
			}
			return fmt.Errorf("submit connection: %w", err)
		}
		t.log.Info("connection accepted", "remote", remote)
	}
}

func (t *tcpTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return nil
	}
	return t.ln.Close()
}
