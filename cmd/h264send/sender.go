package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/time/rate"

	"h264relay/internal/annexb"
	"h264relay/internal/h264"
	"h264relay/internal/protocol"
)

// sender frames the access units of an Annex-B stream and writes them
// to a relay connection, one frame per access unit.
type sender struct {
	fps      int
	rotation int32
	limiter  *rate.Limiter
	log      *slog.Logger

	// next PTS in microseconds; continues across loop passes
	pts   uint64
	sent  int
	bytes int64
}

func newSender(fps int, rotation int32, paced bool, log *slog.Logger) *sender {
	limit := rate.Inf
	if paced {
		limit = rate.Limit(fps)
	}
	return &sender{
		fps:      fps,
		rotation: rotation,
		limiter:  rate.NewLimiter(limit, 1),
		log:      log,
	}
}

// send streams one pass of src to w and returns the number of access
// units written.
func (s *sender) send(ctx context.Context, w io.Writer, src io.Reader) (int, error) {
	nr := annexb.NewReader(src, annexb.DefaultBufferSize)
	asm := h264.NewAssembler(s.log)
	step := uint64(1_000_000 / s.fps)

	var buf []byte
	count := 0
	for {
		n, err := nr.Next()
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("read NAL unit: %w", err)
		}
		if len(n.Payload) == 0 {
			continue
		}

		au, ok := asm.Push(n, s.pts)
		if !ok {
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return count, err
		}

		buf = protocol.AppendFrame(buf[:0], protocol.Header{
			MediaType: protocol.MediaH264,
			Timestamp: au.PTS,
			Rotation:  s.rotation,
		}, au.Data)
		if _, err := w.Write(buf); err != nil {
			return count, fmt.Errorf("write frame: %w", err)
		}

		s.pts += step
		s.sent++
		s.bytes += int64(len(buf))
		count++
		if au.Keyframe {
			s.log.Debug("keyframe sent", "pts", au.PTS, "size", len(au.Data))
		}
	}
}
