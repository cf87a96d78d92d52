package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"h264relay/internal/annexb"
	"h264relay/internal/h264"
	"h264relay/internal/metrics"
	"h264relay/internal/protocol"
	"h264relay/internal/sink"
)

// SessionConfig holds the per-session parsing and queueing settings.
type SessionConfig struct {
	Source string
	// Framed selects the 21-byte frame protocol; otherwise the input is a
	// raw Annex-B stream with timestamps derived from FPS.
	Framed      bool
	MaxPayload  uint32
	ReadBuffer  int
	FPS         int
	QueueSize   int
	QueuePolicy sink.Policy
}

// Session is one ingest connection or file pass. It owns one demuxer, one
// NAL unit reader and one assembler, all driven by the receive goroutine.
type Session struct {
	ID      string
	Source  string
	Remote  string
	Started time.Time

	cfg     SessionConfig
	log     *slog.Logger
	metrics *metrics.Source

	configured bool
	asmStats   h264.Stats

	bytes        atomic.Int64
	frames       atomic.Int64
	skipped      atomic.Int64
	nalus        atomic.Int64
	accessUnits  atomic.Int64
	keyframes    atomic.Int64
	unconfigured atomic.Int64
	dropped      atomic.Int64
	violations   atomic.Int64
	spsFailures  atomic.Int64
	width        atomic.Int32
	height       atomic.Int32
	rotation     atomic.Int32
}

// NewSession creates a session for a stream arriving from remote.
func NewSession(cfg SessionConfig, remote string, m *metrics.Source, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.MaxPayload == 0 {
		cfg.MaxPayload = protocol.DefaultMaxPayload
	}
	if cfg.ReadBuffer <= 0 {
		cfg.ReadBuffer = annexb.DefaultBufferSize
	}
	id := uuid.NewString()
	return &Session{
		ID:      id,
		Source:  cfg.Source,
		Remote:  remote,
		Started: time.Now(),
		cfg:     cfg,
		log:     log.With("source", cfg.Source, "session", id),
		metrics: m,
	}
}

// Run reads r until EOF, a fatal error or ctx cancellation and delivers the
// assembled access units to out. If r is an io.Closer it is closed when the
// session stops, which unblocks a pending read.
func (s *Session) Run(ctx context.Context, r io.Reader, out sink.Sink) error {
	s.log.Info("session started", "remote", s.Remote, "framed", s.cfg.Framed)
	q := sink.NewQueue(s.cfg.QueueSize, s.cfg.QueuePolicy, s.log)

	g, gctx := errgroup.WithContext(ctx)
	if c, ok := r.(io.Closer); ok {
		stop := context.AfterFunc(gctx, func() { c.Close() })
		defer stop()
	}

	g.Go(func() error {
		return q.Run(gctx, out)
	})
	g.Go(func() error {
		defer q.Close()
		src := &countingReader{r: r, s: s}
		if s.cfg.Framed {
			return s.receiveFramed(gctx, src, q)
		}
		return s.receiveRaw(gctx, src, q)
	})

	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		err = nil
	}
	st := s.Stats()
	s.log.Info("session ended",
		"bytes", st.Bytes, "frames", st.Frames,
		"access_units", st.AccessUnits, "keyframes", st.Keyframes,
		"dropped", st.Dropped, "sequence_violations", st.SequenceViolations,
		"duration", time.Since(s.Started).Round(time.Millisecond))
	return err
}

func (s *Session) receiveFramed(ctx context.Context, r io.Reader, q *sink.Queue) error {
	d := protocol.NewDemuxer(int(s.cfg.MaxPayload))
	nr := annexb.NewReader(nil, max(s.cfg.ReadBuffer, int(s.cfg.MaxPayload)+4))
	asm := s.newAssembler()

	err := d.Pump(r, func(f protocol.Frame) error {
		s.frames.Add(1)
		s.metrics.Frame(f.Header.MediaType.String())
		if f.Header.MediaType != protocol.MediaH264 {
			s.skipped.Add(1)
			return nil
		}
		if rot := f.Header.Rotation; rot != s.rotation.Swap(rot) {
			s.log.Info("rotation changed", "degrees", rot)
		}
		nr.Reset(bytes.NewReader(f.Payload))
		pts := f.Header.Timestamp
		return s.push(ctx, nr, asm, q, func() uint64 { return pts })
	})

	var perr *protocol.ProtocolError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, protocol.ErrTruncated):
		s.metrics.TruncatedStreams.Inc()
		s.log.Warn("stream ended inside a frame, fragment discarded")
		return nil
	case errors.As(err, &perr):
		s.metrics.ProtocolErrors.Inc()
		s.log.Error("protocol error, closing connection", "error", perr)
		return err
	default:
		return err
	}
}

func (s *Session) receiveRaw(ctx context.Context, r io.Reader, q *sink.Queue) error {
	nr := annexb.NewReader(r, s.cfg.ReadBuffer)
	asm := s.newAssembler()
	step := uint64(1_000_000 / s.cfg.FPS)

	return s.push(ctx, nr, asm, q, func() uint64 {
		return uint64(s.accessUnits.Load()) * step
	})
}

func (s *Session) newAssembler() *h264.Assembler {
	asm := h264.NewAssembler(s.log)
	asm.OnDimensions = func(w, h int) {
		s.width.Store(int32(w))
		s.height.Store(int32(h))
	}
	return asm
}

// push drains nr through asm, stamping units with pts().
func (s *Session) push(ctx context.Context, nr *annexb.Reader, asm *h264.Assembler, q *sink.Queue, pts func() uint64) error {
	for {
		n, err := nr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read NAL unit: %w", err)
		}
		if len(n.Payload) == 0 {
			continue
		}
		s.nalus.Add(1)

		au, ok := asm.Push(n, pts())
		s.syncAssemblerStats(asm.Stats())
		if !ok {
			continue
		}
		if err := s.deliver(ctx, q, asm, au); err != nil {
			return err
		}
	}
}

func (s *Session) deliver(ctx context.Context, q *sink.Queue, asm *h264.Assembler, au h264.AccessUnit) error {
	s.accessUnits.Add(1)
	if au.Keyframe {
		s.keyframes.Add(1)
		s.metrics.Keyframes.Inc()
	} else {
		s.metrics.Slices.Inc()
	}

	if !s.configured {
		w, h := asm.Dimensions()
		if w == 0 || !au.Keyframe {
			s.unconfigured.Add(1)
			return nil
		}
		sps, pps := asm.ParameterSets()
		cfg := sink.Config{Width: w, Height: h, SPS: sps, PPS: pps, Rotation: s.rotation.Load()}
		if err := q.Configure(ctx, cfg); err != nil {
			return err
		}
		s.configured = true
		s.log.Info("decoder configured", "width", w, "height", h, "rotation", cfg.Rotation)
	}

	err := q.Put(ctx, au)
	if errors.Is(err, sink.ErrDropped) {
		s.dropped.Add(1)
		s.metrics.QueueDropped.Inc()
		return nil
	}
	return err
}

func (s *Session) syncAssemblerStats(st h264.Stats) {
	if d := st.SequenceViolations - s.asmStats.SequenceViolations; d > 0 {
		s.violations.Add(d)
		s.metrics.SequenceViolations.Add(float64(d))
	}
	if d := st.SPSParseFailures - s.asmStats.SPSParseFailures; d > 0 {
		s.spsFailures.Add(d)
		s.metrics.SPSParseFailures.Add(float64(d))
	}
	s.asmStats = st
}

// SessionStats is a point-in-time snapshot of a session.
type SessionStats struct {
	ID                 string `json:"id"`
	Remote             string `json:"remote"`
	Started            string `json:"started"`
	Bytes              int64  `json:"bytes"`
	Frames             int64  `json:"frames"`
	SkippedFrames      int64  `json:"skipped_frames"`
	NALUnits           int64  `json:"nal_units"`
	AccessUnits        int64  `json:"access_units"`
	Keyframes          int64  `json:"keyframes"`
	BeforeConfig       int64  `json:"before_config"`
	Dropped            int64  `json:"dropped"`
	SequenceViolations int64  `json:"sequence_violations"`
	SPSParseFailures   int64  `json:"sps_parse_failures"`
	Width              int    `json:"width"`
	Height             int    `json:"height"`
	Rotation           int32  `json:"rotation"`
}

// Stats returns a snapshot of the session counters. It is safe to call
// from any goroutine.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		ID:                 s.ID,
		Remote:             s.Remote,
		Started:            s.Started.Format(time.RFC3339),
		Bytes:              s.bytes.Load(),
		Frames:             s.frames.Load(),
		SkippedFrames:      s.skipped.Load(),
		NALUnits:           s.nalus.Load(),
		AccessUnits:        s.accessUnits.Load(),
		Keyframes:          s.keyframes.Load(),
		BeforeConfig:       s.unconfigured.Load(),
		Dropped:            s.dropped.Load(),
		SequenceViolations: s.violations.Load(),
		SPSParseFailures:   s.spsFailures.Load(),
		Width:              int(s.width.Load()),
		Height:             int(s.height.Load()),
		Rotation:           s.rotation.Load(),
	}
}

type countingReader struct {
	r io.Reader
	s *Session
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.s.bytes.Add(int64(n))
		c.s.metrics.BytesReceived.Add(float64(n))
	}
	return n, err
}
