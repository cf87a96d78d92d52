// h264send streams a raw Annex-B H.264 file to an h264relay source,
// framing each access unit and pacing output at the given frame rate.
//
// Usage:
//
//	h264send -file clip.h264 -addr 127.0.0.1:24443
//	h264send -file clip.h264 -addr 127.0.0.1:24444 -transport srt -stream cam2
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"h264relay/internal/logger"
)

// srtLatencyNs is the SRT send latency in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

func main() {
	file := flag.String("file", "", "raw Annex-B H.264 file to send")
	addr := flag.String("addr", "127.0.0.1:24443", "relay source address")
	transport := flag.String("transport", "tcp", "tcp or srt")
	stream := flag.String("stream", "", "SRT stream name (source name on the relay)")
	fps := flag.Int("fps", 30, "frames per second")
	rotation := flag.Int("rotation", 0, "rotation in degrees carried in every frame header")
	loop := flag.Bool("loop", false, "replay the file until interrupted")
	noPace := flag.Bool("no-pace", false, "send as fast as possible")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Parse()

	logger.Setup(*logLevel, "text")

	if *file == "" {
		slog.Error("missing -file")
		os.Exit(2)
	}
	if *fps < 1 {
		slog.Error("invalid -fps", "fps", *fps)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *file, *addr, *transport, *stream, *fps, int32(*rotation), *loop, !*noPace); err != nil {
		slog.Error("send failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, path, addr, transport, stream string, fps int, rotation int32, loop, paced bool) error {
	conn, err := dial(transport, addr, stream)
	if err != nil {
		return err
	}
	defer conn.Close()
	stopClose := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopClose()

	log := slog.With("addr", addr, "transport", transport)
	s := newSender(fps, rotation, paced, log)
	start := time.Now()

	for pass := 1; ; pass++ {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		n, err := s.send(ctx, conn, f)
		f.Close()

		if ctx.Err() != nil {
			break
		}
		if err != nil {
			return fmt.Errorf("pass %d: %w", pass, err)
		}
		if n == 0 {
			return errors.New("no access units in input")
		}
		log.Info("pass complete", "pass", pass, "access_units", n)
		if !loop {
			break
		}
	}

	log.Info("done", "access_units", s.sent, "bytes", s.bytes,
		"duration", time.Since(start).Round(time.Millisecond))
	return nil
}

func dial(transport, addr, stream string) (io.WriteCloser, error) {
	switch transport {
	case "tcp":
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("tcp dial %s: %w", addr, err)
		}
		return conn, nil
	case "srt":
		if stream == "" {
			return nil, errors.New("srt transport requires -stream")
		}
		cfg := srtgo.DefaultConfig()
		cfg.Latency = srtLatencyNs
		cfg.StreamID = "live/" + stream
		conn, err := srtgo.Dial(addr, cfg)
		if err != nil {
			return nil, fmt.Errorf("SRT dial %s: %w", addr, err)
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("unknown transport %q (must be tcp or srt)", transport)
	}
}
