// Package health exposes an HTTP server for health checks, status and
// Prometheus metrics.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"h264relay/internal/ingest"
)

// StatusProvider gives access to source states.
type StatusProvider interface {
	Sources() map[string]*ingest.Source
}

// Server is a lightweight HTTP server for health and metrics.
type Server struct {
	httpSrv  *http.Server
	provider StatusProvider
}

// NewServer creates a new health HTTP server. Metrics are served from
// gatherer; a nil gatherer disables /metrics.
func NewServer(port int, provider StatusProvider, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	s := &Server{
		httpSrv: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		provider: provider,
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start listens until Stop is called. It returns nil after a graceful
// shutdown.
func (s *Server) Start() error {
	slog.Info("health server listening", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		slog.Error("health server shutdown error", "error", err)
	}
}

// handleHealth returns 200 while no source has failed, 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var failed []string
	for name, src := range s.provider.Sources() {
		if src.GetState() == ingest.StateFailed {
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)

	w.Header().Set("Content-Type", "application/json")
	if len(failed) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{"status": "degraded", "failed": failed})
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// SourceStatus is the JSON representation of one source's state.
type SourceStatus struct {
	Name       string                `json:"name"`
	Type       string                `json:"type"`
	Addr       string                `json:"addr"`
	State      string                `json:"state"`
	LastActive string                `json:"last_active,omitempty"`
	Sessions   []ingest.SessionStats `json:"sessions"`
}

// handleStatus returns the state and recent sessions of every source,
// sorted by name.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sources := s.provider.Sources()
	statuses := make([]SourceStatus, 0, len(sources))

	for name, src := range sources {
		st := SourceStatus{
			Name:     name,
			Type:     src.Type(),
			Addr:     src.Addr(),
			State:    src.GetState().String(),
			Sessions: src.Sessions(),
		}
		if la := src.LastActive(); !la.IsZero() {
			st.LastActive = la.Format(time.RFC3339)
		}
		statuses = append(statuses, st)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statuses)
}
