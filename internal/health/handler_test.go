package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"h264relay/internal/config"
	"h264relay/internal/ingest"
	"h264relay/internal/metrics"
)

func newTestManager(t *testing.T, reg *prometheus.Registry) *ingest.Manager {
	t.Helper()
	missing := filepath.Join(t.TempDir(), "missing.h264")
	yaml := `
sources:
  cam1:
    type: tcp
    listen: "127.0.0.1:0"
  replay:
    type: file
    path: "` + missing + `"
`
	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	mgr, err := ingest.NewManager(cfg, metrics.New(reg))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(mgr.Stop)
	return mgr
}

func TestHealthEndpoint(t *testing.T) {
	srv := NewServer(0, newTestManager(t, prometheus.NewRegistry()), nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	srv.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}

func TestHealthDegraded(t *testing.T) {
	mgr := newTestManager(t, prometheus.NewRegistry())
	if err := mgr.Sources()["replay"].Start(context.Background()); err == nil {
		t.Fatal("expected start error for missing file")
	}

	srv := NewServer(0, mgr, nil)
	rec := httptest.NewRecorder()
	srv.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	var body struct {
		Status string   `json:"status"`
		Failed []string `json:"failed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body.Status != "degraded" || len(body.Failed) != 1 || body.Failed[0] != "replay" {
		t.Errorf("body = %+v, want degraded with replay failed", body)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv := NewServer(0, newTestManager(t, prometheus.NewRegistry()), nil)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()

	srv.handleStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	var statuses []SourceStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &statuses); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("got %d sources, want 2", len(statuses))
	}
	if statuses[0].Name != "cam1" || statuses[1].Name != "replay" {
		t.Errorf("names = %q, %q, want sorted cam1, replay", statuses[0].Name, statuses[1].Name)
	}
	if statuses[0].Type != "tcp" {
		t.Errorf("type = %q, want tcp", statuses[0].Type)
	}
	if statuses[0].Addr != "127.0.0.1:0" {
		t.Errorf("addr = %q, want 127.0.0.1:0", statuses[0].Addr)
	}
	if statuses[0].State != "stopped" {
		t.Errorf("state = %q, want stopped", statuses[0].State)
	}
	if statuses[0].LastActive != "" {
		t.Errorf("last_active = %q, want empty", statuses[0].LastActive)
	}
	if len(statuses[0].Sessions) != 0 {
		t.Errorf("got %d sessions, want 0", len(statuses[0].Sessions))
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	mgr := newTestManager(t, reg)
	srv := NewServer(0, mgr, reg)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`h264relay_sessions_active{source="cam1"} 0`,
		`h264relay_access_units_total{kind="keyframe",source="replay"} 0`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics body missing %s:\n%s", want, body)
		}
	}
}

func TestMetricsDisabled(t *testing.T) {
	srv := NewServer(0, newTestManager(t, prometheus.NewRegistry()), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
