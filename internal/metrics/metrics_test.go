package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetrics_IncGetSnapshot(t *testing.T) {
	m := New()
	m.Inc(JoinAccepted)
	m.Inc(JoinAccepted)
	m.Inc(AdminDenied)

	if got := m.Get(JoinAccepted); got != 2 {
		t.Fatalf("Get(JoinAccepted) = %d, want 2", got)
	}
	snap := m.Snapshot()
	if snap[AdminDenied] != 1 {
		t.Fatalf("Snapshot()[AdminDenied] = %d, want 1", snap[AdminDenied])
	}
	// Snapshot must be a copy.
	snap[AdminDenied] = 99
	if m.Get(AdminDenied) != 1 {
		t.Fatalf("Snapshot aliases internal state")
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.Inc(JoinAccepted)
	if m.Get(JoinAccepted) != 0 {
		t.Fatalf("nil Get should be zero")
	}
	if m.Snapshot() != nil {
		t.Fatalf("nil Snapshot should be nil")
	}
}

func TestPrometheusHandler(t *testing.T) {
	m := New()
	m.Inc(RelayDroppedGoneTgt)

	rec := httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, `conference_signaling_events_total{event="relay_dropped_target_gone"} 1`) {
		t.Fatalf("unexpected exposition body:\n%s", body)
	}
	if !strings.Contains(body, "# TYPE conference_signaling_events_total counter") {
		t.Fatalf("missing TYPE line:\n%s", body)
	}
}

func TestPrometheusHandler_NotConfigured(t *testing.T) {
	rec := httptest.NewRecorder()
	PrometheusHandler(nil).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 500 {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}
