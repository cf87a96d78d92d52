// Package ingest receives H.264 streams from network and file sources and
// drives them through the parsing pipeline into decoder sinks.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"h264relay/internal/config"
	"h264relay/internal/lifecycle"
	"h264relay/internal/metrics"
	"h264relay/internal/sink"
)

// SourceState represents the current state of a source.
type SourceState int32

const (
	StateStopped SourceState = iota
	StateWaiting
	StateReceiving
	StateFinished
	StateFailed
)

func (s SourceState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateWaiting:
		return "waiting"
	case StateReceiving:
		return "receiving"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// errSourceBusy refuses a stream while another session of the same
// source is running.
var errSourceBusy = errors.New("source already has an active session")

// SinkFactory builds the sink for a new session of a source.
type SinkFactory func(source, sessionID string) (sink.Sink, error)

// handleFunc runs one session over rc; transports call it per connection
// or file pass.
type handleFunc func(ctx context.Context, rc io.ReadCloser, remote string) error

// transport accepts byte streams for a source.
type transport interface {
	// Open binds listeners or checks files, before Serve is started.
	Open() error
	// Serve blocks until ctx is done or the transport has nothing more to
	// deliver.
	Serve(ctx context.Context, handle handleFunc) error
	// Close unblocks Serve.
	Close() error
	Addr() string
}

// Source manages the lifecycle of a single configured source:
// open transport → accept streams → run one session per stream.
type Source struct {
	Name string
	cfg  config.ResolvedSource
	log  *slog.Logger

	state      atomic.Int32
	lastActive atomic.Int64 // unix timestamp

	transport transport
	sinks     SinkFactory
	metrics   *metrics.Source
	lc        *lifecycle.Lifecycle

	mu       sync.RWMutex
	sessions map[string]*Session
	finished []SessionStats
}

// keep the last sessions of a source for the status endpoint
const finishedHistory = 8

func newSource(name string, cfg config.ResolvedSource, t transport, sinks SinkFactory, m *metrics.Metrics) *Source {
	s := &Source{
		Name:      name,
		cfg:       cfg,
		log:       slog.With("source", name),
		transport: t,
		sinks:     sinks,
		metrics:   m.ForSource(name),
		lc:        lifecycle.New(),
		sessions:  make(map[string]*Session),
	}
	s.state.Store(int32(StateStopped))
	return s
}

// GetState returns the current source state.
func (s *Source) GetState() SourceState {
	return SourceState(s.state.Load())
}

// Type returns the configured transport type.
func (s *Source) Type() string {
	return s.cfg.Type
}

// Addr returns the listen address or file path.
func (s *Source) Addr() string {
	return s.transport.Addr()
}

// LastActive returns the last time a session started or ended.
func (s *Source) LastActive() time.Time {
	ts := s.lastActive.Load()
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}

// Sessions returns snapshots of the running sessions followed by the most
// recently finished ones.
func (s *Source) Sessions() []SessionStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SessionStats, 0, len(s.sessions)+len(s.finished))
	for _, sess := range s.sessions {
		out = append(out, sess.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started < out[j].Started })
	return append(out, s.finished...)
}

// Start opens the transport and begins serving it.
func (s *Source) Start(ctx context.Context) error {
	if err := s.transport.Open(); err != nil {
		s.state.Store(int32(StateFailed))
		return fmt.Errorf("source %s: %w", s.Name, err)
	}
	ctx, err := s.lc.Start(ctx)
	if err != nil {
		s.transport.Close()
		return fmt.Errorf("source %s: %w", s.Name, err)
	}

	s.state.Store(int32(StateWaiting))
	s.log.Info("source started", "type", s.cfg.Type, "addr", s.transport.Addr(), "framed", s.cfg.Framed)

	s.lc.Go(func() {
		err := s.transport.Serve(ctx, s.handle)
		switch {
		case ctx.Err() != nil:
		case err != nil:
			s.state.Store(int32(StateFailed))
			s.log.Error("source failed", "error", err)
		default:
			s.state.Store(int32(StateFinished))
			s.log.Info("source finished")
		}
	})
	return nil
}

// Stop closes the transport and waits for running sessions to end.
func (s *Source) Stop() {
	s.transport.Close()
	s.lc.Stop()
	s.state.Store(int32(StateStopped))
	s.log.Info("source stopped")
}

// handle runs one session over rc and closes rc when done.
func (s *Source) handle(ctx context.Context, rc io.ReadCloser, remote string) (err error) {
	defer rc.Close()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in session", "error", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("session panic: %v", r)
		}
	}()

	policy, err := sink.ParsePolicy(s.cfg.QueuePolicy)
	if err != nil {
		return err
	}
	sess := NewSession(SessionConfig{
		Source:      s.Name,
		Framed:      s.cfg.Framed,
		MaxPayload:  s.cfg.MaxPayload,
		ReadBuffer:  s.cfg.ReadBuffer,
		FPS:         s.cfg.FPS,
		QueueSize:   s.cfg.QueueSize,
		QueuePolicy: policy,
	}, remote, s.metrics, slog.Default())

	if !s.track(sess) {
		s.log.Warn("refusing stream, source is busy", "remote", remote)
		return errSourceBusy
	}
	out, err := s.sinks(s.Name, sess.ID)
	if err != nil {
		s.untrack(sess, false)
		return fmt.Errorf("create sink: %w", err)
	}
	defer s.untrack(sess, true)

	err = sess.Run(ctx, rc, out)
	if err != nil {
		s.log.Warn("session failed", "session", sess.ID, "remote", remote, "error", err)
	}
	return err
}

// track registers sess as the running session. It reports false when
// another session is already running; one stream at a time feeds the
// source's RTSP path.
func (s *Source) track(sess *Session) bool {
	s.mu.Lock()
	if len(s.sessions) > 0 {
		s.mu.Unlock()
		return false
	}
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.metrics.SessionsActive.Inc()
	s.lastActive.Store(time.Now().Unix())
	s.state.CompareAndSwap(int32(StateWaiting), int32(StateReceiving))
	return true
}

// untrack removes sess; record keeps its stats in the finished history.
func (s *Source) untrack(sess *Session, record bool) {
	s.mu.Lock()
	delete(s.sessions, sess.ID)
	if record {
		s.finished = append(s.finished, sess.Stats())
		if len(s.finished) > finishedHistory {
			s.finished = s.finished[len(s.finished)-finishedHistory:]
		}
	}
	idle := len(s.sessions) == 0
	s.mu.Unlock()

	s.metrics.SessionsActive.Dec()
	s.lastActive.Store(time.Now().Unix())
	if idle {
		s.state.CompareAndSwap(int32(StateReceiving), int32(StateWaiting))
	}
}
