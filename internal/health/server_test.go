package health

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

type fakeProvider struct {
	running bool
}

func (f *fakeProvider) IsRunning() bool { return f.running }

func newTestServer(t *testing.T, provider StatsProvider) *Server {
	t.Helper()
	cfg := DefaultServerConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.Registry = prometheus.NewRegistry()

	s := NewServer(cfg, provider)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func get(t *testing.T, s *Server, path string) *http.Response {
	t.Helper()
	url := fmt.Sprintf("http://%s%s", s.Address().String(), path)
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	return resp
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t, &fakeProvider{running: true})

	resp := get(t, s, "/health")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHandleHealthz_Running(t *testing.T) {
	s := newTestServer(t, &fakeProvider{running: true})

	resp := get(t, s, "/healthz")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHandleHealthz_NotRunning(t *testing.T) {
	s := newTestServer(t, &fakeProvider{running: false})

	resp := get(t, s, "/healthz")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestHandleReady(t *testing.T) {
	s := newTestServer(t, &fakeProvider{running: true})

	resp := get(t, s, "/ready")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHandleMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_probe_total"})
	reg.MustRegister(counter)
	counter.Inc()

	cfg := DefaultServerConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.Registry = reg
	s := NewServer(cfg, &fakeProvider{running: true})
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	resp := get(t, s, "/metrics")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "test_probe_total 1") {
		t.Errorf("expected metrics output to contain test_probe_total, got: %s", body)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, &fakeProvider{running: true})

	resp, err := http.Post(fmt.Sprintf("http://%s/health", s.Address().String()), "text/plain", nil)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Address = "127.0.0.1:0"
	s := NewServer(cfg, &fakeProvider{running: true})

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !s.IsRunning() {
		t.Error("expected IsRunning() to be true after Start")
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if s.IsRunning() {
		t.Error("expected IsRunning() to be false after Stop")
	}

	// A second Stop should be a no-op, not an error.
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop returned an error: %v", err)
	}
}
