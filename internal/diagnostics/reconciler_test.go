package diagnostics

import (
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/tinylsp/lspmux/internal/docstate"
)

type publishCall struct {
	uri         string
	version     int
	diagnostics []any
}

func collectingPublisher() (PublishFunc, func() []publishCall) {
	var mu sync.Mutex
	var calls []publishCall
	return func(uri string, version int, diagnostics []any) {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, publishCall{uri, version, diagnostics})
		}, func() []publishCall {
			mu.Lock()
			defer mu.Unlock()
			out := make([]publishCall, len(calls))
			copy(out, calls)
			return out
		}
}

func TestPushSingleBackendQuorumPublishesImmediately(t *testing.T) {
	store := docstate.New()
	store.Open("f://t", 1)
	publish, calls := collectingPublisher()
	r := New(store, []BackendKey{"A"}, false, time.Hour, publish)

	r.Push("f://t", "A", 1, []any{map[string]any{"message": "m"}})

	got := calls()
	if len(got) != 1 {
		t.Fatalf("got %d publishes, want 1", len(got))
	}
	if got[0].version != 1 || len(got[0].diagnostics) != 1 {
		t.Fatalf("got %+v", got[0])
	}
	item := got[0].diagnostics[0].(map[string]any)
	if item["source"] != "A" {
		t.Fatalf("expected source attached, got %#v", item)
	}
}

func TestPushPreservesExistingSource(t *testing.T) {
	store := docstate.New()
	store.Open("f://t", 1)
	publish, calls := collectingPublisher()
	r := New(store, []BackendKey{"A"}, false, time.Hour, publish)

	r.Push("f://t", "A", 1, []any{map[string]any{"message": "m", "source": "R"}})

	item := calls()[0].diagnostics[0].(map[string]any)
	if item["source"] != "R" {
		t.Fatalf("expected preserved source R, got %#v", item)
	}
}

func TestPushWaitsForAllBackendsBeforeQuorum(t *testing.T) {
	store := docstate.New()
	store.Open("f://t", 1)
	publish, calls := collectingPublisher()
	r := New(store, []BackendKey{"A", "B"}, false, time.Hour, publish)

	r.Push("f://t", "A", 1, []any{map[string]any{"message": "a"}})
	if len(calls()) != 0 {
		t.Fatalf("should not publish before B answers")
	}

	r.Push("f://t", "B", 1, []any{map[string]any{"message": "b"}})
	got := calls()
	if len(got) != 1 || len(got[0].diagnostics) != 2 {
		t.Fatalf("got %+v", got)
	}
	if got[0].diagnostics[0].(map[string]any)["source"] != "A" || got[0].diagnostics[1].(map[string]any)["source"] != "B" {
		t.Fatalf("expected A-first order, got %#v", got[0].diagnostics)
	}
}

func TestPushDropsStaleVersion(t *testing.T) {
	store := docstate.New()
	store.Open("f://t", 2)
	publish, calls := collectingPublisher()
	r := New(store, []BackendKey{"A"}, false, time.Hour, publish)

	r.Push("f://t", "A", 1, []any{map[string]any{"message": "stale"}})

	if len(calls()) != 0 {
		t.Fatalf("expected stale push dropped, got %+v", calls())
	}
}

func TestTardyPushRepublishesByDefault(t *testing.T) {
	store := docstate.New()
	store.Open("f://t", 1)
	publish, calls := collectingPublisher()
	r := New(store, []BackendKey{"A", "B"}, false, time.Hour, publish)

	r.Push("f://t", "A", 1, []any{map[string]any{"message": "a"}})
	r.Push("f://t", "B", 1, []any{map[string]any{"message": "b"}})
	if len(calls()) != 1 {
		t.Fatalf("expected first dispatch, got %+v", calls())
	}

	r.Push("f://t", "A", 1, []any{map[string]any{"message": "a2"}})
	got := calls()
	if len(got) != 2 {
		t.Fatalf("expected tardy re-publish, got %+v", got)
	}
	if len(got[1].diagnostics) != 2 {
		t.Fatalf("expected enhanced aggregation on re-publish, got %+v", got[1])
	}
}

func TestTardyPushDroppedUnderDropTardyPolicy(t *testing.T) {
	store := docstate.New()
	store.Open("f://t", 1)
	publish, calls := collectingPublisher()
	r := New(store, []BackendKey{"A", "B"}, true, time.Hour, publish)

	r.Push("f://t", "A", 1, []any{map[string]any{"message": "a"}})
	r.Push("f://t", "B", 1, []any{map[string]any{"message": "b"}})
	if len(calls()) != 1 {
		t.Fatalf("expected first dispatch, got %+v", calls())
	}

	r.Push("f://t", "A", 1, []any{map[string]any{"message": "a2"}})
	if len(calls()) != 1 {
		t.Fatalf("expected tardy push discarded under drop-tardy, got %+v", calls())
	}
}

func TestRegisterPullCompletesQuorum(t *testing.T) {
	store := docstate.New()
	store.Open("f://t", 1)
	publish, calls := collectingPublisher()
	r := New(store, []BackendKey{"A", "B"}, false, time.Hour, publish)

	r.Push("f://t", "A", 1, []any{map[string]any{"message": "a"}})
	if len(calls()) != 0 {
		t.Fatalf("should not publish before B answers or pulls")
	}

	r.RegisterPull("f://t", 1, []BackendKey{"B"})
	got := calls()
	if len(got) != 1 {
		t.Fatalf("expected pull registration to complete quorum, got %+v", got)
	}
	if len(got[0].diagnostics) != 1 {
		t.Fatalf("pull contributes no push diagnostics of its own, got %+v", got[0])
	}
}

func TestTimerFiresWithPartialSetAfterTimeout(t *testing.T) {
	store := docstate.New()
	store.Open("f://t", 1)
	done := make(chan publishCall, 1)
	publish := func(uri string, version int, diagnostics []any) {
		done <- publishCall{uri, version, diagnostics}
	}
	r := New(store, []BackendKey{"A", "B"}, false, 10*time.Millisecond, publish)

	r.Push("f://t", "A", 1, []any{map[string]any{"message": "a"}})

	select {
	case call := <-done:
		if len(call.diagnostics) != 1 {
			t.Fatalf("expected partial aggregation of 1, got %+v", call)
		}
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestResetDropsTrackedStateForNewVersion(t *testing.T) {
	store := docstate.New()
	store.Open("f://t", 1)
	publish, calls := collectingPublisher()
	r := New(store, []BackendKey{"A", "B"}, false, time.Hour, publish)

	r.Push("f://t", "A", 1, []any{map[string]any{"message": "a"}})

	handles, cancel := store.Open("f://t", 2)
	if cancel != nil {
		cancel()
	}
	_ = handles

	r.Push("f://t", "B", 2, []any{map[string]any{"message": "b"}})
	if len(calls()) != 0 {
		t.Fatalf("expected reset document to require both A and B again at v2, got %+v", calls())
	}

	r.Push("f://t", "A", 2, []any{map[string]any{"message": "a2"}})
	got := calls()
	if len(got) != 1 || got[0].version != 2 {
		t.Fatalf("got %+v", got)
	}
}

func TestPushToUnknownDocumentIsIgnored(t *testing.T) {
	store := docstate.New()
	publish, calls := collectingPublisher()
	r := New(store, []BackendKey{"A"}, false, time.Hour, publish)

	r.Push("f://never-opened", "A", 1, []any{map[string]any{"message": "a"}})

	if len(calls()) != 0 {
		t.Fatalf("expected no publish for unopened document, got %+v", calls())
	}
}

func TestOrderedConcatUsesConfiguredBackendOrderNotArrivalOrder(t *testing.T) {
	store := docstate.New()
	store.Open("f://t", 1)
	publish, calls := collectingPublisher()
	r := New(store, []BackendKey{"A", "B"}, false, time.Hour, publish)

	r.Push("f://t", "B", 1, []any{map[string]any{"message": "b"}})
	r.Push("f://t", "A", 1, []any{map[string]any{"message": "a"}})

	got := calls()[0].diagnostics
	if !reflect.DeepEqual(got[0].(map[string]any)["source"], "A") {
		t.Fatalf("expected configured order A,B regardless of arrival order, got %#v", got)
	}
}
