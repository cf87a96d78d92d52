package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/panjf2000/ants/v2"

	"h264relay/internal/config"
	"h264relay/internal/metrics"
	"h264relay/internal/rtsp"
	"h264relay/internal/sink"
)

// Manager orchestrates all sources, the connection worker pool and the
// output RTSP server.
type Manager struct {
	cfg     *config.Config
	sources map[string]*Source
	server  *rtsp.Server
	pool    *ants.Pool
}

// NewManager creates a Manager from the loaded configuration, with one
// Source and one RTSP path per configured source.
func NewManager(cfg *config.Config, m *metrics.Metrics) (*Manager, error) {
	pool, err := ants.NewPool(cfg.Server.MaxConnections, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("worker pool: %w", err)
	}

	names := make([]string, 0, len(cfg.Sources))
	for name := range cfg.Sources {
		names = append(names, name)
	}
	sort.Strings(names)

	mgr := &Manager{
		cfg:     cfg,
		sources: make(map[string]*Source, len(names)),
		server:  rtsp.NewServer(cfg.Server.RTSPPort, names, cfg.Server.Keepalive),
		pool:    pool,
	}

	for _, name := range names {
		resolved := cfg.Sources[name].Effective(cfg.Defaults)
		log := slog.With("source", name)

		var t transport
		switch resolved.Type {
		case config.TypeTCP:
			t = newTCPTransport(resolved.Listen, pool, log)
		case config.TypeSRT:
			t = newSRTTransport(name, resolved.Listen, pool, log)
		case config.TypeFile:
			t = newFileTransport(resolved.Path, resolved.Loop, log)
		default:
			pool.Release()
			return nil, fmt.Errorf("source %q: unknown type %q", name, resolved.Type)
		}

		mgr.sources[name] = newSource(name, resolved, t, mgr.sinkFactory(resolved), m)
		slog.Info("registered source", "name", name, "type", resolved.Type, "addr", t.Addr())
	}

	if len(mgr.sources) == 0 {
		pool.Release()
		return nil, fmt.Errorf("no sources created")
	}
	return mgr, nil
}

// sinkFactory returns the sinks of a new session: an output attached to
// the RTSP publisher of the source, plus an Annex-B dump when dump_dir
// is set.
func (m *Manager) sinkFactory(cfg config.ResolvedSource) SinkFactory {
	return func(source, sessionID string) (sink.Sink, error) {
		pub := m.server.Publisher(source)
		if pub == nil {
			return nil, fmt.Errorf("no RTSP path for source %q", source)
		}
		out := pub.Attach()
		if cfg.DumpDir == "" {
			return out, nil
		}
		dump, err := sink.CreateFile(cfg.DumpDir, source+"-"+sessionID[:8], slog.With("source", source))
		if err != nil {
			return nil, err
		}
		return sink.Multi{out, dump}, nil
	}
}

// Start launches the RTSP server and all sources.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.server.Start(); err != nil {
		return fmt.Errorf("server start: %w", err)
	}

	for _, name := range m.names() {
		if err := m.sources[name].Start(ctx); err != nil {
			m.Stop()
			return err
		}
	}

	slog.Info("all sources started", "count", len(m.sources))
	return nil
}

// Stop gracefully shuts everything down.
func (m *Manager) Stop() {
	for _, s := range m.sources {
		s.Stop()
	}
	m.server.Stop()
	m.pool.Release()
	slog.Info("manager stopped")
}

// Sources returns the map of sources (for the status endpoint).
func (m *Manager) Sources() map[string]*Source {
	return m.sources
}

func (m *Manager) names() []string {
	names := make([]string, 0, len(m.sources))
	for name := range m.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
