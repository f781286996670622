package docstate

import "testing"

func TestOpenThenMutateRecordsPush(t *testing.T) {
	s := New()
	s.Open("file:///t.go", 1)

	s.Mutate("file:///t.go", func(st *State) {
		st.InflightPushes["a"] = []any{"diag1"}
	})

	got := s.Get("file:///t.go")
	if got == nil || got.Version != 1 {
		t.Fatalf("got %#v", got)
	}
	if len(got.InflightPushes["a"]) != 1 {
		t.Fatalf("push not recorded: %#v", got.InflightPushes)
	}
}

func TestOpenResetsAndReturnsPriorHandlesAndTimer(t *testing.T) {
	s := New()
	s.Open("file:///t.go", 1)

	cancelled := false
	s.Mutate("file:///t.go", func(st *State) {
		st.CancelTimer = func() { cancelled = true }
		st.StashedHandles["h1"] = true
		st.Dispatched = true
	})

	handles, cancel := s.Open("file:///t.go", 2)
	if len(handles) != 1 || handles[0] != "h1" {
		t.Fatalf("got handles=%v", handles)
	}
	if cancel == nil {
		t.Fatalf("expected cancel func")
	}
	cancel()
	if !cancelled {
		t.Fatalf("cancel func not wired to prior timer")
	}

	got := s.Get("file:///t.go")
	if got.Version != 2 || got.Dispatched {
		t.Fatalf("expected fresh state, got %#v", got)
	}
	if len(got.StashedHandles) != 0 {
		t.Fatalf("expected fresh state to have no stashed handles")
	}
}

func TestCloseRemovesEntry(t *testing.T) {
	s := New()
	s.Open("file:///t.go", 1)
	s.Close("file:///t.go")

	if got := s.Get("file:///t.go"); got != nil {
		t.Fatalf("expected nil after Close, got %#v", got)
	}
}

func TestOpenOnNewURIReturnsNoPriorState(t *testing.T) {
	s := New()
	handles, cancel := s.Open("file:///new.go", 1)
	if handles != nil || cancel != nil {
		t.Fatalf("expected no prior state for brand-new URI")
	}
}
