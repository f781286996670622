package mux

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tinylsp/lspmux/internal/aggregate"
	"github.com/tinylsp/lspmux/internal/backend"
	"github.com/tinylsp/lspmux/internal/diagnostics"
	"github.com/tinylsp/lspmux/internal/ident"
	"github.com/tinylsp/lspmux/internal/jsonrpc"
	"github.com/tinylsp/lspmux/internal/jsonutil"
	"github.com/tinylsp/lspmux/internal/stash"
)

// errAggregationTimeout is the outcome RecordOutcome sees for a back-end
// that never answered an aggregated request before its timeout fired; three
// consecutive timeouts (like three consecutive error responses) trip that
// back-end's breaker open, per the breaker-exclusion testable property.
var errAggregationTimeout = fmt.Errorf("mux: aggregated request timed out waiting for response")

func (d *Dispatcher) handleBackendMessage(beName string, msg *jsonrpc.Message) {
	switch {
	case msg.IsResponse():
		d.handleBackendResponse(beName, msg)
	case msg.IsNotification():
		d.handleBackendNotification(beName, msg)
	case msg.IsRequest():
		d.handleBackendRequest(beName, msg)
	}
}

// handleBackendResponse resolves a back-end's reply to either its
// originating client request (single-backend path, forwarded unchanged) or
// a pending aggregation (recorded and combined once every back-end has
// answered or the aggregation timer fires), per §4.3 and §4.6.
func (d *Dispatcher) handleBackendResponse(beName string, msg *jsonrpc.Message) {
	be, ok := d.byName[beName]
	if !ok {
		return
	}

	clientID, cancelled, ok := d.ids.ResolveBackendResponse(ident.BackendKey(beName), msg.ID)
	if !ok {
		return // unknown response id (§7): log and drop
	}
	d.ids.ForgetBackendResponse(ident.BackendKey(beName), msg.ID)

	if msg.Error != nil {
		be.RecordOutcome(msg.Error)
		d.metrics.ObserveBackendError(beName)
	} else {
		be.RecordOutcome(nil)
	}
	d.syncBreakerGauge(be)

	if cancelled {
		return // editor already abandoned this request (§4.3)
	}

	key := string(clientID)
	pend, isAggregated := d.pending[key]
	if !isAggregated {
		d.ids.ForgetClientRequest(clientID)
		d.sendToEditor(cloneWithID(msg, clientID))
		return
	}

	received := aggregate.Received{BackendName: beName}
	if msg.Error != nil {
		received.IsError = true
		received.ErrorObj = msg.Error
	} else {
		payload, _ := msg.ResultAsAny()
		received.Payload = d.stashItems(pend.method, beName, pend.uri, payload)
	}
	pend.received[beName] = received
	delete(pend.remaining, beName)

	if len(pend.remaining) == 0 {
		if pend.timer != nil {
			pend.timer.Stop()
		}
		d.finishAggregation(clientID, pend)
	}
}

// finishAggregation combines whatever answers have arrived (the full set, if
// quorum was reached, or a partial set if the aggregation timer fired first)
// and sends the single combined response to the editor.
func (d *Dispatcher) finishAggregation(clientID json.RawMessage, pend *pendingAggregation) {
	delete(d.pending, string(clientID))
	d.ids.ForgetClientRequest(clientID)

	for beName := range pend.remaining {
		be, ok := d.byName[beName]
		if !ok {
			continue
		}
		be.RecordOutcome(errAggregationTimeout)
		d.metrics.ObserveBackendError(beName)
		d.syncBreakerGauge(be)
	}

	if pend.method == "initialize" {
		for _, beName := range pend.order {
			r, ok := pend.received[beName]
			if !ok || r.IsError {
				continue
			}
			be, ok := d.byName[beName]
			if !ok {
				continue
			}
			if caps, ok := jsonutil.Get(r.Payload, "capabilities"); ok {
				if capMap, ok := jsonutil.AsMap(caps); ok {
					be.SetCapabilities(capMap)
				}
			}
		}
	}

	result, errObj := d.agg.Combine(pend.method, pend.order, pend.received)
	d.metrics.ObserveAggregation(pend.method, time.Since(pend.start))

	if errObj != nil {
		d.sendToEditor(&jsonrpc.Message{JSONRPC: "2.0", ID: clientID, Error: errObj})
		return
	}
	resp, err := jsonrpc.NewResult(clientID, result)
	if err != nil {
		d.sendToEditor(jsonrpc.NewError(clientID, -32603, "marshaling aggregated result: "+err.Error()))
		return
	}
	d.sendToEditor(resp)
}

// handleBackendRequest forwards a server-originated request to the editor
// after synthesizing a fresh external ID, capturing any dynamic
// client/registerCapability watcher registration along the way so later
// workspace/didChangeWatchedFiles events can be filtered per-back-end
// (§4.5).
func (d *Dispatcher) handleBackendRequest(beName string, msg *jsonrpc.Message) {
	be, ok := d.byName[beName]
	if !ok {
		return
	}
	if msg.Method == "client/registerCapability" {
		d.captureWatchers(be, msg)
	}
	external := d.ids.NewExternalID(ident.BackendKey(beName), msg.ID)
	d.sendToEditor(cloneWithID(msg, external))
}

func (d *Dispatcher) handleBackendNotification(beName string, msg *jsonrpc.Message) {
	if msg.Method == "textDocument/publishDiagnostics" {
		d.handlePush(beName, msg)
		return
	}
	d.sendToEditor(msg)
}

// handlePush feeds a back-end's publishDiagnostics notification into the
// diagnostic reconciler (C8); the reconciler calls back through
// postDiagnosticsPublish once quorum or its timeout is reached.
func (d *Dispatcher) handlePush(beName string, msg *jsonrpc.Message) {
	params, _ := msg.ParamsAsMap()
	uri, _ := jsonutil.GetString(params, "uri")
	if uri == "" {
		return
	}
	version, _ := jsonutil.GetInt(params, "version")
	diagsVal, _ := jsonutil.Get(params, "diagnostics")
	diags, _ := jsonutil.AsSlice(diagsVal)

	d.metrics.ObservePushDiagnostic(beName)
	d.diag.Push(uri, diagnostics.BackendKey(beName), version, diags)
}

// emitDiagnostics is the diagnostic reconciler's publish callback, run on
// the dispatch loop goroutine via evtDiagnosticsPublish: it sends the
// standard publishDiagnostics notification and, if the editor advertised
// support, mirrors it as $/streamDiagnostics (§4.7).
func (d *Dispatcher) emitDiagnostics(uri string, version int, diags []any) {
	if diags == nil {
		diags = []any{}
	}
	params := map[string]any{"uri": uri, "version": version, "diagnostics": diags}

	if notif, err := jsonrpc.NewNotification("textDocument/publishDiagnostics", params); err == nil {
		d.sendToEditor(notif)
	}
	if d.streamDiagnostics {
		if notif, err := jsonrpc.NewNotification("$/streamDiagnostics", params); err == nil {
			d.sendToEditor(notif)
		}
	}
}

// captureWatchers extracts workspace/didChangeWatchedFiles glob patterns
// from a client/registerCapability request and records them on be, so
// broadcastWatchedFiles can filter future change batches per-back-end.
func (d *Dispatcher) captureWatchers(be *backend.Descriptor, msg *jsonrpc.Message) {
	params, _ := msg.ParamsAsMap()
	regsVal, ok := jsonutil.Get(params, "registrations")
	if !ok {
		return
	}
	regs, ok := jsonutil.AsSlice(regsVal)
	if !ok {
		return
	}

	var patterns []backend.WatchPattern
	for _, r := range regs {
		reg, ok := jsonutil.AsMap(r)
		if !ok {
			continue
		}
		if method, _ := reg["method"].(string); method != "workspace/didChangeWatchedFiles" {
			continue
		}
		watchersVal, ok := jsonutil.Get(reg, "registerOptions", "watchers")
		if !ok {
			continue
		}
		watchers, ok := jsonutil.AsSlice(watchersVal)
		if !ok {
			continue
		}
		for _, w := range watchers {
			wm, ok := jsonutil.AsMap(w)
			if !ok {
				continue
			}
			pattern, kind := watchGlobPattern(wm)
			if pattern == "" {
				continue
			}
			patterns = append(patterns, backend.WatchPattern{Pattern: pattern, Kind: kind})
		}
	}
	if len(patterns) > 0 {
		be.SetWatchers(patterns)
	}
}

func watchGlobPattern(wm map[string]any) (string, int) {
	kind, _ := jsonutil.GetInt(wm, "kind")
	if pattern, ok := wm["globPattern"].(string); ok {
		return pattern, kind
	}
	if obj, ok := jsonutil.AsMap(wm["globPattern"]); ok {
		if pattern, ok := obj["pattern"].(string); ok {
			return pattern, kind
		}
	}
	return "", kind
}

// stashItems substitutes each item's data field with a stash handle for the
// methods whose aggregated responses carry back-end-specific resolve
// payloads (§4.4); every other method's payload passes through untouched.
func (d *Dispatcher) stashItems(method, beName, uri string, payload any) any {
	switch method {
	case "textDocument/codeAction":
		items, ok := jsonutil.AsSlice(payload)
		if !ok {
			return payload
		}
		return d.stashItemList(beName, uri, items)
	case "textDocument/completion":
		if items, ok := jsonutil.AsSlice(payload); ok {
			return d.stashItemList(beName, uri, items)
		}
		if obj, ok := jsonutil.AsMap(payload); ok {
			items, _ := jsonutil.AsSlice(obj["items"])
			return jsonutil.SetIn(obj, d.stashItemList(beName, uri, items), "items")
		}
		return payload
	default:
		return payload
	}
}

func (d *Dispatcher) stashItemList(beName, uri string, items []any) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = d.stashItemData(beName, uri, item)
	}
	return out
}

func (d *Dispatcher) stashItemData(beName, uri string, item any) any {
	m, ok := jsonutil.AsMap(item)
	if !ok {
		return item
	}
	data, hasData := m["data"]
	if !hasData {
		return m
	}
	handle := d.st.Put(stash.BackendKey(beName), uri, data)
	d.docs.AddStashedHandle(uri, handle)
	return jsonutil.SetIn(m, handle, "data")
}
