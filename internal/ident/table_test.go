package ident

import (
	"encoding/json"
	"testing"
)

func TestRegisterAndResolveBackendResponse(t *testing.T) {
	table := New()
	table.RegisterClientRequest(json.RawMessage("7"), "textDocument/completion", map[BackendKey]json.RawMessage{
		"a": json.RawMessage("101"),
		"b": json.RawMessage("202"),
	})

	cid, cancelled, ok := table.ResolveBackendResponse("a", json.RawMessage("101"))
	if !ok || cancelled || string(cid) != "7" {
		t.Fatalf("got cid=%s cancelled=%v ok=%v", cid, cancelled, ok)
	}

	_, _, ok = table.ResolveBackendResponse("a", json.RawMessage("999"))
	if ok {
		t.Fatalf("expected unknown internal ID to miss")
	}
}

func TestCancelMarksOutstandingResponsesDiscarded(t *testing.T) {
	table := New()
	table.RegisterClientRequest(json.RawMessage("7"), "textDocument/completion", map[BackendKey]json.RawMessage{
		"a": json.RawMessage("101"),
	})

	cancelSet := table.Cancel(json.RawMessage("7"))
	if len(cancelSet) != 1 || string(cancelSet["a"]) != "101" {
		t.Fatalf("got %#v", cancelSet)
	}

	_, cancelled, ok := table.ResolveBackendResponse("a", json.RawMessage("101"))
	if !ok || !cancelled {
		t.Fatalf("expected cancelled=true ok=true, got cancelled=%v ok=%v", cancelled, ok)
	}
}

func TestForgetClientRequestRemovesAllBackendMappings(t *testing.T) {
	table := New()
	table.RegisterClientRequest(json.RawMessage("7"), "initialize", map[BackendKey]json.RawMessage{
		"a": json.RawMessage("1"),
		"b": json.RawMessage("1"),
	})
	table.ForgetClientRequest(json.RawMessage("7"))

	if _, _, ok := table.ResolveBackendResponse("a", json.RawMessage("1")); ok {
		t.Fatalf("expected backend a mapping gone")
	}
	if _, _, ok := table.ResolveBackendResponse("b", json.RawMessage("1")); ok {
		t.Fatalf("expected backend b mapping gone")
	}
}

func TestServerOriginatedRequestRoundTrip(t *testing.T) {
	table := New()
	ext := table.NewExternalID("a", json.RawMessage(`"srv-1"`))

	be, orig, ok := table.ResolveEditorResponse(ext)
	if !ok || be != "a" || string(orig) != `"srv-1"` {
		t.Fatalf("got be=%s orig=%s ok=%v", be, orig, ok)
	}

	// Resolved once; a second resolution must miss (ID consumed).
	if _, _, ok := table.ResolveEditorResponse(ext); ok {
		t.Fatalf("expected second resolution to miss")
	}
}

func TestServerOriginatedRequestsFromDifferentBackendsDontCollide(t *testing.T) {
	table := New()
	extA := table.NewExternalID("a", json.RawMessage("1"))
	extB := table.NewExternalID("b", json.RawMessage("1"))

	if string(extA) == string(extB) {
		t.Fatalf("expected distinct synthesized external IDs, got %s twice", extA)
	}

	beA, _, _ := table.ResolveEditorResponse(extA)
	beB, _, _ := table.ResolveEditorResponse(extB)
	if beA != "a" || beB != "b" {
		t.Fatalf("got beA=%s beB=%s", beA, beB)
	}
}
