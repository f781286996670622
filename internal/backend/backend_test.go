package backend

import (
	"context"
	"testing"
	"time"

	"github.com/tinylsp/lspmux/internal/jsonrpc"
)

func TestInternalDeliverUnknownMethod(t *testing.T) {
	b := NewInternal("lspmux", map[string]Handler{})
	req, _ := jsonrpc.NewRequest([]byte("1"), "lspmux/stats", nil)
	if err := b.Deliver(req); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := b.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Fatalf("got %+v, want MethodNotFound error", resp)
	}
}

func TestInternalDeliverKnownMethod(t *testing.T) {
	b := NewInternal("lspmux", map[string]Handler{
		"lspmux/stats": func(msg *jsonrpc.Message) (any, error) {
			return map[string]any{"requests": float64(3)}, nil
		},
	})
	req, _ := jsonrpc.NewRequest([]byte("7"), "lspmux/stats", nil)
	if err := b.Deliver(req); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := b.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %+v", resp.Error)
	}
	result, err := resp.ResultAsAny()
	if err != nil {
		t.Fatalf("ResultAsAny: %v", err)
	}
	m, ok := result.(map[string]any)
	if !ok || m["requests"] != float64(3) {
		t.Fatalf("got %#v", result)
	}
}

func TestDescriptorHasCapability(t *testing.T) {
	d := NewDescriptor(0, "primary", true, NewInternal("primary", nil))
	d.SetCapabilities(map[string]any{
		"hoverProvider":      true,
		"codeActionProvider": map[string]any{"codeActionKinds": []any{"quickfix"}},
		"renameProvider":     false,
	})
	if !d.HasCapability("hoverProvider") {
		t.Fatalf("expected hoverProvider")
	}
	if !d.HasCapability("codeActionProvider") {
		t.Fatalf("expected codeActionProvider")
	}
	if d.HasCapability("renameProvider") {
		t.Fatalf("renameProvider=false should not count as declared")
	}
	if d.HasCapability("definitionProvider") {
		t.Fatalf("did not expect definitionProvider")
	}
}

func TestDescriptorBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	d := NewDescriptor(0, "flaky", false, NewInternal("flaky", nil))
	if !d.Healthy() {
		t.Fatalf("expected healthy before any failures")
	}
	for i := 0; i < 3; i++ {
		d.RecordOutcome(errContextDeadline)
	}
	if d.Healthy() {
		t.Fatalf("expected breaker open after 3 consecutive failures")
	}
}

var errContextDeadline = context.DeadlineExceeded
