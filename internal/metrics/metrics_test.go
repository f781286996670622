package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

func TestSnapshotReflectsObservations(t *testing.T) {
	m := New()
	m.ObserveRequest("textDocument/hover")
	m.ObserveRequest("textDocument/hover")
	m.ObserveBackendError("gopls")
	m.ObserveAggregation("textDocument/completion", 5*time.Millisecond)
	m.SetBreakerState("gopls", gobreaker.StateOpen)

	snap := m.Snapshot()

	requests, ok := snap["lspmux_requests_total"].([]any)
	if !ok || len(requests) != 1 {
		t.Fatalf("got %#v", snap["lspmux_requests_total"])
	}
	sample := requests[0].(map[string]any)
	if sample["value"].(float64) != 2 {
		t.Fatalf("requests_total value = %v, want 2", sample["value"])
	}
	labels := sample["labels"].(map[string]any)
	if labels["method"] != "textDocument/hover" {
		t.Fatalf("labels = %#v", labels)
	}

	breaker := snap["lspmux_backend_breaker_state"].([]any)[0].(map[string]any)
	if breaker["value"].(float64) != float64(gobreaker.StateOpen) {
		t.Fatalf("breaker state = %v, want %v", breaker["value"], gobreaker.StateOpen)
	}
}

func TestHandlerServesMetricsText(t *testing.T) {
	m := New()
	m.ObserveRequest("initialize")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(rec.Body.Bytes()) == 0 {
		t.Fatalf("expected non-empty metrics body")
	}
}
