package sink

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"h264relay/internal/h264"
)

// File writes access units as a raw Annex-B elementary stream, which any
// H.264 player can open.
type File struct {
	mu         sync.Mutex
	w          io.WriteCloser
	log        *slog.Logger
	configured bool
	written    int
	drained    int
	closed     bool
}

// NewFile wraps w. The sink owns w and closes it on EndOfStream.
func NewFile(w io.WriteCloser, log *slog.Logger) *File {
	if log == nil {
		log = slog.Default()
	}
	return &File{w: w, log: log}
}

// CreateFile creates dir/name.h264 and returns a File sink writing to it.
func CreateFile(dir, name string, log *slog.Logger) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dump dir: %w", err)
	}
	path := filepath.Join(dir, name+".h264")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create dump file: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	log.Info("dumping access units", "path", path)
	return NewFile(f, log.With("path", path)), nil
}

func (f *File) Configure(cfg Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.configured = true
	f.log.Debug("file sink configured",
		"width", cfg.Width, "height", cfg.Height, "rotation", cfg.Rotation)
	return nil
}

func (f *File) Submit(au h264.AccessUnit) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return errors.New("file sink closed")
	}
	if !f.configured {
		return errors.New("file sink not configured")
	}
	if _, err := f.w.Write(au.Data); err != nil {
		return fmt.Errorf("write access unit: %w", err)
	}
	f.written++
	return nil
}

func (f *File) DrainOutput() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.written - f.drained
	f.drained = f.written
	return n
}

func (f *File) EndOfStream() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	f.log.Debug("file sink closed", "units", f.written)
	return f.w.Close()
}
