package policy

import (
	"context"
	"testing"

	"github.com/tinylsp/lspmux/internal/backend"
	"github.com/tinylsp/lspmux/internal/jsonrpc"
)

type noopBackend struct{ name string }

func (b *noopBackend) Name() string                                  { return b.name }
func (b *noopBackend) Deliver(msg *jsonrpc.Message) error             { return nil }
func (b *noopBackend) Poll(ctx context.Context) (*jsonrpc.Message, error) { return nil, context.Canceled }
func (b *noopBackend) Close() error                                   { return nil }
func (b *noopBackend) Wait() error                                    { return nil }
func (b *noopBackend) PollErrors() (string, bool)                     { return "", false }

func descriptor(index int, name string, primary bool, caps map[string]any) *backend.Descriptor {
	d := backend.NewDescriptor(index, name, primary, &noopBackend{name: name})
	d.SetCapabilities(caps)
	return d
}

func TestRouteRequestCodeActionFiltersByCapability(t *testing.T) {
	p := NewDefault(false, nil)
	a := descriptor(0, "a", true, map[string]any{"codeActionProvider": true})
	b := descriptor(1, "b", false, map[string]any{"hoverProvider": true})

	route := p.RouteRequest("textDocument/codeAction", nil, []*backend.Descriptor{a, b})
	if !route.Aggregate || len(route.Backends) != 1 || route.Backends[0].Name != "a" {
		t.Fatalf("got %#v", route)
	}
}

func TestRouteRequestCompletionFiltersByTriggerCharacter(t *testing.T) {
	p := NewDefault(false, nil)
	a := descriptor(0, "a", true, map[string]any{
		"completionProvider": map[string]any{"triggerCharacters": []any{"."}},
	})
	b := descriptor(1, "b", false, map[string]any{
		"completionProvider": map[string]any{"triggerCharacters": []any{":"}},
	})

	params := map[string]any{"context": map[string]any{"triggerCharacter": "."}}
	route := p.RouteRequest("textDocument/completion", params, []*backend.Descriptor{a, b})
	if len(route.Backends) != 1 || route.Backends[0].Name != "a" {
		t.Fatalf("got %#v", route)
	}
}

func TestRouteRequestRenameRoutesToFirstEligible(t *testing.T) {
	p := NewDefault(false, nil)
	a := descriptor(0, "a", true, map[string]any{})
	b := descriptor(1, "b", false, map[string]any{"renameProvider": true})

	route := p.RouteRequest("textDocument/rename", nil, []*backend.Descriptor{a, b})
	if route.Aggregate || len(route.Backends) != 1 || route.Backends[0].Name != "b" {
		t.Fatalf("got %#v", route)
	}
}

func TestRouteRequestDefaultGoesToPrimary(t *testing.T) {
	p := NewDefault(false, nil)
	a := descriptor(0, "a", true, map[string]any{})
	b := descriptor(1, "b", false, map[string]any{})

	route := p.RouteRequest("textDocument/hover", nil, []*backend.Descriptor{a, b})
	if route.Aggregate || len(route.Backends) != 1 || route.Backends[0].Name != "a" {
		t.Fatalf("got %#v", route)
	}
}

func TestRouteRequestExcludesOpenBreaker(t *testing.T) {
	p := NewDefault(false, nil)
	a := descriptor(0, "a", true, map[string]any{"codeActionProvider": true})
	b := descriptor(1, "b", false, map[string]any{"codeActionProvider": true})
	for i := 0; i < 3; i++ {
		b.RecordOutcome(context.DeadlineExceeded)
	}

	route := p.RouteRequest("textDocument/codeAction", nil, []*backend.Descriptor{a, b})
	if len(route.Backends) != 1 || route.Backends[0].Name != "a" {
		t.Fatalf("expected only healthy backend a, got %#v", route.Backends)
	}
}

func TestFilterWatchedFilesMatchesGlob(t *testing.T) {
	p := NewDefault(false, nil)
	changes := []any{
		map[string]any{"uri": "file:///proj/main.go"},
		map[string]any{"uri": "file:///proj/README.md"},
	}
	watchers := []backend.WatchPattern{{Pattern: "*.go"}}

	got := p.FilterWatchedFiles(changes, watchers)
	if len(got) != 1 {
		t.Fatalf("got %d matches, want 1: %#v", len(got), got)
	}
}

func TestAdjustInitializeParamsForcesUTF16(t *testing.T) {
	p := NewDefault(false, nil)
	got := p.AdjustInitializeParams(map[string]any{"rootUri": "file:///x"})
	enc, ok := got["capabilities"].(map[string]any)["general"].(map[string]any)["positionEncodings"].([]any)
	if !ok || len(enc) != 1 || enc[0] != "utf-16" {
		t.Fatalf("got %#v", got)
	}
}
