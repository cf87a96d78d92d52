// h264relay receives framed H.264 streams over TCP, SRT or from files and
// republishes them as RTSP paths.
//
// Usage:
//
//	h264relay -config config.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"h264relay/internal/config"
	"h264relay/internal/health"
	"h264relay/internal/ingest"
	"h264relay/internal/logger"
	"h264relay/internal/metrics"
)

// Set at build time via -ldflags.
var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("h264relay", version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

func run(configPath string) error {
	// ── Load configuration ───────────────────────────────────────────
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	logger.Setup(cfg.Server.LogLevel, cfg.Server.LogFormat)
	slog.Info("starting h264relay", "version", version, "sources", len(cfg.Sources))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Create and start ingest manager ──────────────────────────────
	mgr, err := ingest.NewManager(cfg, metrics.New(prometheus.DefaultRegisterer))
	if err != nil {
		return fmt.Errorf("manager creation: %w", err)
	}
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("manager start: %w", err)
	}

	// ── Health / status / metrics HTTP server ────────────────────────
	healthSrv := health.NewServer(cfg.Server.HealthPort, mgr, prometheus.DefaultGatherer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(healthSrv.Start)
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down", "cause", context.Cause(gctx))
		mgr.Stop()
		healthSrv.Stop()
		return nil
	})
	return g.Wait()
}
