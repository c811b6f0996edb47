package observability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func startTestServer(t *testing.T, ready ReadinessChecker) *Server {
	t.Helper()
	s := NewServer("127.0.0.1:0", ready)
	if _, err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestMetricsEndpoint(t *testing.T) {
	s := startTestServer(t, nil)

	s.Metrics().WorkerRestarts.Inc()
	s.Metrics().RecordSwap("llm", "committed")
	s.Metrics().ObserveRequest("plugin/list", "ok", 5*time.Millisecond)

	code, body := get(t, fmt.Sprintf("http://%s/metrics", s.Addr()))
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	for _, metric := range []string{
		"loom_worker_restarts_total 1",
		`loom_swap_outcomes_total{outcome="committed",slot="llm"} 1`,
		"loom_request_duration_seconds_count",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("metrics output missing %q", metric)
		}
	}
}

func TestReadinessProbe(t *testing.T) {
	ready := false
	s := startTestServer(t, func() bool { return ready })

	code, _ := get(t, fmt.Sprintf("http://%s/healthz/readiness", s.Addr()))
	if code != http.StatusServiceUnavailable {
		t.Fatalf("not-ready status = %d", code)
	}

	ready = true
	code, _ = get(t, fmt.Sprintf("http://%s/healthz/readiness", s.Addr()))
	if code != http.StatusOK {
		t.Fatalf("ready status = %d", code)
	}

	code, _ = get(t, fmt.Sprintf("http://%s/healthz/liveness", s.Addr()))
	if code != http.StatusOK {
		t.Fatalf("liveness status = %d", code)
	}
}

func TestDoubleStartRejected(t *testing.T) {
	s := startTestServer(t, nil)
	if _, err := s.Start(); err == nil {
		t.Fatal("second Start must fail")
	}
}
