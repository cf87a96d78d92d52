package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// fileTransport replays a recorded stream, either framed or raw Annex-B,
// once or in a loop.
type fileTransport struct {
	path string
	loop bool
	log  *slog.Logger

	mu     sync.Mutex
	cur    *os.File
	closed bool
}

func newFileTransport(path string, loop bool, log *slog.Logger) *fileTransport {
	return &fileTransport{path: path, loop: loop, log: log.With("transport", "file")}
}

func (t *fileTransport) Open() error {
	fi, err := os.Stat(t.path)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("source file %s is not a regular file", t.path)
	}
	if fi.Size() == 0 {
		return fmt.Errorf("source file %s is empty", t.path)
	}
	return nil
}

func (t *fileTransport) Addr() string {
	return t.path
}

func (t *fileTransport) Serve(ctx context.Context, handle handleFunc) error {
	for pass := 1; ; pass++ {
		f, err := t.open()
		if err != nil {
			if errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}

		t.log.Debug("file pass started", "path", t.path, "pass", pass)
		err = handle(ctx, f, "file:"+t.path)
		t.release(f)

		if ctx.Err() != nil || t.isClosed() {
			return nil
		}
		if err != nil {
			return fmt.Errorf("pass %d: %w", pass, err)
		}
		if !t.loop {
			return nil
		}
	}
}

func (t *fileTransport) open() (*os.File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, os.ErrClosed
	}
	f, err := os.Open(t.path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	t.cur = f
	return f, nil
}

func (t *fileTransport) release(f *os.File) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == f {
		t.cur = nil
	}
}

func (t *fileTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fileTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.cur != nil {
		return t.cur.Close()
	}
	return nil
}
