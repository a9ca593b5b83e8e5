package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestLogger_BlockReceived(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("dtp-client", "test", &buf).WithConn("abcd", "127.0.0.1:4433")
	l.BlockReceived(3, 1000, 1, 200, 150*time.Millisecond, true)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["trace_id"] != "abcd" || entry["service"] != "dtp-client" {
		t.Errorf("missing context fields: %v", entry)
	}
	if entry["block_id"] != float64(3) || entry["deadline_met"] != true {
		t.Errorf("unexpected block fields: %v", entry)
	}
	if entry["completion_ms"] != float64(150) {
		t.Errorf("completion_ms = %v", entry["completion_ms"])
	}
}

func TestLogger_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("dtp", "test", &buf)
	if err := l.SetLevel("warn"); err != nil {
		t.Fatal(err)
	}
	l.Info("hidden")
	l.Error(errors.New("boom"), "visible")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "visible") {
		t.Errorf("level filter not applied: %s", buf.String())
	}
	if err := l.SetLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	_ = NewMetrics(nil)

	m.RecordBlockGenerated()
	m.RecordBlockGenerated()
	m.RecordBlockSent(100)
	m.RecordBlockReceived(100, 0.05, true)
	m.RecordBlockReceived(100, 0.5, false)
	m.RecordRejection("invalid_token")

	if got := testutil.ToFloat64(m.QueuedBlocks); got != 1 {
		t.Errorf("queued = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BlockDeadlineTotal.WithLabelValues("missed")); got != 1 {
		t.Errorf("missed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BlockBytesTotal.WithLabelValues("received")); got != 200 {
		t.Errorf("received bytes = %v, want 200", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "dtp_admission_rejected_total") {
		t.Error("metrics endpoint does not expose dtp metrics")
	}
}

func TestHealth_LoopStall(t *testing.T) {
	hb := &Heartbeat{}
	hc := NewHealthChecker("test")
	hc.RegisterCheck("event_loop", EventLoopCheck(hb, time.Minute))
	hc.RegisterCheck("connections", ConnectionsCheck(func() int { return 2 }, 0))

	if got := hc.Check(context.Background()).Status; got != HealthStatusDegraded {
		t.Errorf("before first beat: %s", got)
	}
	hb.Beat()

	rec := httptest.NewRecorder()
	hc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp HealthCheckResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != HealthStatusOK || resp.Checks["connections"].Message != "2 connections" {
		t.Errorf("unexpected response %+v", resp)
	}

	stalled := NewHealthChecker("test")
	stalled.RegisterCheck("event_loop", EventLoopCheck(hb, -time.Second))
	rec = httptest.NewRecorder()
	stalled.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("stalled loop status %d", rec.Code)
	}
}

func TestInitTracing_NoEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_JAEGER_ENDPOINT", "")
	shutdown, err := InitTracing(context.Background(), "dtp", "test")
	if err != nil {
		t.Fatal(err)
	}
	span := StartConnSpan("server", "abcd", "127.0.0.1:1")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}
