// Package diagnostics implements the diagnostic reconciler (C8): it merges
// asynchronous push diagnostics from every back-end, together with pulls
// registered against the same document, into a single aggregated
// publishDiagnostics per (uri, version), honoring stale-version drop, a
// quorum-or-timeout dispatch window, and the tardy-push policy.
package diagnostics

import (
	"time"

	"github.com/tinylsp/lspmux/internal/docstate"
	"github.com/tinylsp/lspmux/internal/jsonutil"
)

// BackendKey identifies a back-end without importing internal/backend,
// matching the convention already used by docstate, ident and stash.
type BackendKey string

// PublishFunc emits an aggregated publishDiagnostics payload for uri at
// version. The caller (the dispatcher) is responsible for wrapping it as a
// textDocument/publishDiagnostics notification and, if the editor
// advertised support, mirroring it as $/streamDiagnostics.
type PublishFunc func(uri string, version int, diagnostics []any)

// Reconciler drives the state machine described in the specification's
// diagnostic reconciliation section against a shared docstate.Store (the
// same store the dispatcher uses for stash-handle bookkeeping).
type Reconciler struct {
	store     *docstate.Store
	backends  []BackendKey
	dropTardy bool
	timeout   time.Duration
	publish   PublishFunc
}

// New returns a Reconciler over store, considering backends the full set
// of diagnostic-eligible back-ends for quorum purposes (ordinarily every
// real back-end; the internal back-end never pushes diagnostics and is
// excluded by the caller).
func New(store *docstate.Store, backends []BackendKey, dropTardy bool, timeout time.Duration, publish PublishFunc) *Reconciler {
	cp := make([]BackendKey, len(backends))
	copy(cp, backends)
	return &Reconciler{store: store, backends: cp, dropTardy: dropTardy, timeout: timeout, publish: publish}
}

// Push handles a textDocument/publishDiagnostics notification from be for
// uri at version: attributes source, drops it if stale, records it, and
// either completes the aggregation quorum immediately, arms the publish
// timer, or (if already dispatched) re-publishes or discards per the
// tardy-push policy.
func (r *Reconciler) Push(uri string, be BackendKey, version int, diagnosticsIn []any) {
	attributed := attachSourceAll(diagnosticsIn, string(be))

	var armTimer bool
	var fire bool
	var snapshot []any

	r.store.Mutate(uri, func(st *docstate.State) {
		if st == nil || version != st.Version {
			return // no tracked document, or stale version
		}
		if st.Dispatched {
			if r.dropTardy {
				return
			}
			st.InflightPushes[docstate.BackendKey(be)] = attributed
			snapshot = r.orderedConcat(st)
			fire = true
			return
		}
		st.InflightPushes[docstate.BackendKey(be)] = attributed
		if r.quorumReached(st) {
			st.Dispatched = true
			if st.CancelTimer != nil {
				st.CancelTimer()
				st.CancelTimer = nil
			}
			snapshot = r.orderedConcat(st)
			fire = true
			return
		}
		if st.CancelTimer == nil {
			armTimer = true
		}
	})

	if armTimer {
		r.armTimer(uri, version)
	}
	if fire {
		r.publish(uri, version, snapshot)
	}
}

// RegisterPull records that a textDocument/diagnostic request was just
// dispatched to each of backends for uri at version: per the
// specification, a back-end that has been asked to pull counts as having
// answered for the push reconciler's quorum check, even though its own
// diagnostics are returned directly as the pull's RPC result rather than
// folded into this reconciler's publication.
func (r *Reconciler) RegisterPull(uri string, version int, backends []BackendKey) {
	var fire bool
	var snapshot []any

	r.store.Mutate(uri, func(st *docstate.State) {
		if st == nil || version != st.Version || st.Dispatched {
			return
		}
		for _, be := range backends {
			st.InflightPulls[docstate.BackendKey(be)] = true
		}
		if r.quorumReached(st) {
			st.Dispatched = true
			if st.CancelTimer != nil {
				st.CancelTimer()
				st.CancelTimer = nil
			}
			snapshot = r.orderedConcat(st)
			fire = true
		}
	})

	if fire {
		r.publish(uri, version, snapshot)
	}
}

func (r *Reconciler) quorumReached(st *docstate.State) bool {
	for _, be := range r.backends {
		key := docstate.BackendKey(be)
		if _, pushed := st.InflightPushes[key]; pushed {
			continue
		}
		if st.InflightPulls[key] {
			continue
		}
		return false
	}
	return true
}

// orderedConcat concatenates each back-end's most recent push in r.backends
// order (not map iteration order), so the result is deterministic and
// back-end-order-stable across runs.
func (r *Reconciler) orderedConcat(st *docstate.State) []any {
	out := make([]any, 0)
	for _, be := range r.backends {
		if items, ok := st.InflightPushes[docstate.BackendKey(be)]; ok {
			out = append(out, items...)
		}
	}
	return out
}

func (r *Reconciler) armTimer(uri string, version int) {
	var t *time.Timer
	t = time.AfterFunc(r.timeout, func() { r.fireTimer(uri, version) })

	r.store.Mutate(uri, func(st *docstate.State) {
		if st == nil || st.Version != version || st.Dispatched || st.CancelTimer != nil {
			t.Stop()
			return
		}
		st.CancelTimer = func() { t.Stop() }
	})
}

func (r *Reconciler) fireTimer(uri string, version int) {
	var snapshot []any
	var fire bool

	r.store.Mutate(uri, func(st *docstate.State) {
		if st == nil || st.Version != version || st.Dispatched {
			return
		}
		st.Dispatched = true
		st.CancelTimer = nil
		snapshot = r.orderedConcat(st)
		fire = true
	})

	if fire {
		r.publish(uri, version, snapshot)
	}
}

// attachSourceAll attaches source = backendName to every diagnostic in
// diagnostics that lacks one already, mirroring the aggregator's pull-side
// attachSource rule for the push side.
func attachSourceAll(diagnosticsIn []any, backendName string) []any {
	out := make([]any, len(diagnosticsIn))
	for i, d := range diagnosticsIn {
		out[i] = attachSource(d, backendName)
	}
	return out
}

func attachSource(diagnostic any, backendName string) any {
	m, ok := jsonutil.AsMap(diagnostic)
	if !ok {
		return diagnostic
	}
	if existing, ok := m["source"].(string); ok && existing != "" {
		return m
	}
	return jsonutil.SetIn(m, backendName, "source")
}
