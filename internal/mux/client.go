package mux

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tinylsp/lspmux/internal/aggregate"
	"github.com/tinylsp/lspmux/internal/backend"
	"github.com/tinylsp/lspmux/internal/diagnostics"
	"github.com/tinylsp/lspmux/internal/ident"
	"github.com/tinylsp/lspmux/internal/jsonrpc"
	"github.com/tinylsp/lspmux/internal/jsonutil"
)

func (d *Dispatcher) handleEditorMessage(msg *jsonrpc.Message) {
	switch {
	case msg.IsRequest():
		d.handleClientRequest(msg)
	case msg.IsNotification():
		d.handleClientNotification(msg)
	case msg.IsResponse():
		d.handleEditorResponse(msg)
	}
}

// handleEditorResponse forwards the editor's reply to a server-originated
// request back to whichever back-end asked for it, translating the
// synthesized external ID back to that back-end's own ID (§4.3).
func (d *Dispatcher) handleEditorResponse(msg *jsonrpc.Message) {
	be, originalID, ok := d.ids.ResolveEditorResponse(msg.ID)
	if !ok {
		return // unknown response id: log and drop (§7)
	}
	target, ok := d.byName[string(be)]
	if !ok {
		return
	}
	d.deliver(target, cloneWithID(msg, originalID))
}

func (d *Dispatcher) handleClientRequest(msg *jsonrpc.Message) {
	d.metrics.ObserveRequest(msg.Method)

	if isResolveMethod(msg.Method) {
		d.handleResolve(msg)
		return
	}

	params, _ := msg.ParamsAsMap()

	if msg.Method == "workspace/executeCommand" {
		d.handleExecuteCommand(msg, params)
		return
	}

	if msg.Method == "shutdown" {
		d.shuttingDown = true
	}
	if msg.Method == "initialize" {
		params = d.pol.AdjustInitializeParams(params)
		if v, ok := jsonutil.GetBool(params, "initializationOptions", "streamDiagnostics"); ok {
			d.streamDiagnostics = v
		}
	}

	route := d.pol.RouteRequest(msg.Method, params, d.backends)

	if route.Immediate != nil {
		d.sendToEditor(cloneWithID(route.Immediate, msg.ID))
		return
	}
	if len(route.Backends) == 0 {
		d.sendToEditor(jsonrpc.NewError(msg.ID, -32603, "no backend available for "+msg.Method))
		return
	}

	uri, _ := jsonutil.GetString(params, "textDocument", "uri")

	if msg.Method == "textDocument/diagnostic" && uri != "" {
		if st := d.docs.Get(uri); st != nil {
			d.diag.RegisterPull(uri, st.Version, toDiagBackendKeys(route.Backends))
		}
	}

	if !route.Aggregate {
		be := route.Backends[0]
		internalID := d.nextInternalID(be.Name)
		d.ids.RegisterClientRequest(msg.ID, msg.Method, map[ident.BackendKey]json.RawMessage{
			ident.BackendKey(be.Name): internalID,
		})
		d.deliver(be, requestWithParams(cloneWithID(msg, internalID), params))
		return
	}

	order := make([]string, 0, len(route.Backends))
	assignments := make(map[ident.BackendKey]json.RawMessage, len(route.Backends))
	remaining := make(map[string]bool, len(route.Backends))
	for _, be := range route.Backends {
		internalID := d.nextInternalID(be.Name)
		assignments[ident.BackendKey(be.Name)] = internalID
		order = append(order, be.Name)
		remaining[be.Name] = true
	}
	d.ids.RegisterClientRequest(msg.ID, msg.Method, assignments)

	key := string(msg.ID)
	pend := &pendingAggregation{
		clientID:  msg.ID,
		method:    msg.Method,
		uri:       uri,
		order:     order,
		received:  make(map[string]aggregate.Received, len(route.Backends)),
		remaining: remaining,
		start:     time.Now(),
	}
	d.pending[key] = pend
	pend.timer = time.AfterFunc(d.pol.ResponseTimeout(msg.Method), func() {
		ev := inboundEvent{kind: evtAggregationTimeout, key: key}
		select {
		case d.inbound <- ev:
		default:
			go func() { d.inbound <- ev }()
		}
	})

	for _, be := range route.Backends {
		internalID := assignments[ident.BackendKey(be.Name)]
		d.deliver(be, requestWithParams(cloneWithID(msg, internalID), params))
	}
}

func (d *Dispatcher) handleClientNotification(msg *jsonrpc.Message) {
	params, _ := msg.ParamsAsMap()

	switch msg.Method {
	case "$/cancelRequest":
		d.handleCancel(params)
		return
	case "workspace/didChangeWatchedFiles":
		d.broadcastWatchedFiles(msg, params)
		return
	case "textDocument/didOpen", "textDocument/didChange":
		d.openDocument(params)
	case "textDocument/didClose":
		d.closeDocument(params)
	}

	for _, be := range d.pol.RouteNotification(msg.Method, params, d.backends) {
		d.deliver(be, msg)
	}
}

// handleCancel translates a client $/cancelRequest into per-back-end
// cancellations (§4.3 rule 1) and discards any still-pending aggregation for
// the cancelled ID, so a late response never reaches the editor.
func (d *Dispatcher) handleCancel(params map[string]any) {
	idVal, ok := jsonutil.Get(params, "id")
	if !ok {
		return
	}
	raw, err := json.Marshal(idVal)
	if err != nil {
		return
	}
	clientID := json.RawMessage(raw)

	assignments := d.ids.Cancel(clientID)
	for be, internalID := range assignments {
		target, ok := d.byName[string(be)]
		if !ok {
			continue
		}
		notif, err := jsonrpc.NewNotification("$/cancelRequest", map[string]any{"id": internalID})
		if err != nil {
			continue
		}
		d.deliver(target, notif)
	}

	key := string(clientID)
	if pend, ok := d.pending[key]; ok {
		if pend.timer != nil {
			pend.timer.Stop()
		}
		delete(d.pending, key)
	}
}

// handleResolve routes a */resolve request by inspecting its data field for
// a stash handle: known handles go, unaggregated, to their owning back-end
// with the original data restored; unknown (stale) handles get a benign
// fallback rather than being forwarded anywhere (§4.4, §7).
func (d *Dispatcher) handleResolve(msg *jsonrpc.Message) {
	params, _ := msg.ParamsAsMap()

	dataVal, ok := jsonutil.Get(params, "data")
	if !ok {
		d.sendToEditor(jsonrpc.NewError(msg.ID, -32602, "resolve request missing data"))
		return
	}
	handle, ok := dataVal.(string)
	if !ok {
		d.sendToEditor(jsonrpc.NewError(msg.ID, -32602, "resolve request data is not a stash handle"))
		return
	}

	entry, ok := d.st.Resolve(handle)
	if !ok {
		resp, err := jsonrpc.NewResult(msg.ID, params)
		if err == nil {
			d.sendToEditor(resp)
		}
		return
	}

	target, ok := d.byName[string(entry.Backend)]
	if !ok {
		d.sendToEditor(jsonrpc.NewError(msg.ID, -32603, "resolve target backend no longer present"))
		return
	}

	restored := jsonutil.SetIn(params, entry.OriginalData, "data")
	internalID := d.nextInternalID(target.Name)
	d.ids.RegisterClientRequest(msg.ID, msg.Method, map[ident.BackendKey]json.RawMessage{
		ident.BackendKey(target.Name): internalID,
	})
	d.deliver(target, requestWithParams(cloneWithID(msg, internalID), restored))
}

// handleExecuteCommand routes workspace/executeCommand by matching the
// requested command name against each back-end's declared
// executeCommandProvider.commands, rather than through the capability-filter
// routing table, since command ownership isn't expressible as a static
// per-method provider key (§4.9).
func (d *Dispatcher) handleExecuteCommand(msg *jsonrpc.Message, params map[string]any) {
	command, _ := jsonutil.GetString(params, "command")

	for _, be := range d.backends {
		cmdsVal, ok := jsonutil.Get(be.Capabilities(), "executeCommandProvider", "commands")
		if !ok {
			continue
		}
		cmds, ok := jsonutil.AsSlice(cmdsVal)
		if !ok {
			continue
		}
		for _, c := range cmds {
			if s, ok := c.(string); ok && s == command {
				internalID := d.nextInternalID(be.Name)
				d.ids.RegisterClientRequest(msg.ID, msg.Method, map[ident.BackendKey]json.RawMessage{
					ident.BackendKey(be.Name): internalID,
				})
				d.deliver(be, requestWithParams(cloneWithID(msg, internalID), params))
				return
			}
		}
	}

	d.sendToEditor(jsonrpc.NewError(msg.ID, -32601, "no backend declares command "+command))
}

// broadcastWatchedFiles filters a workspace/didChangeWatchedFiles batch
// per-back-end against its dynamically registered glob patterns, forwarding
// each back-end only the subset it asked to watch (§4.5).
func (d *Dispatcher) broadcastWatchedFiles(msg *jsonrpc.Message, params map[string]any) {
	changesVal, ok := jsonutil.Get(params, "changes")
	if !ok {
		return
	}
	changes, ok := jsonutil.AsSlice(changesVal)
	if !ok {
		return
	}

	for _, be := range d.backends {
		filtered := d.pol.FilterWatchedFiles(changes, be.Watchers())
		if len(filtered) == 0 {
			continue
		}
		notif, err := jsonrpc.NewNotification(msg.Method, jsonutil.SetIn(params, filtered, "changes"))
		if err != nil {
			continue
		}
		d.deliver(be, notif)
	}
}

// openDocument installs fresh tracked state for a didOpen/didChange
// notification, invalidating whatever the previous version had pending.
func (d *Dispatcher) openDocument(params map[string]any) {
	uri, _ := jsonutil.GetString(params, "textDocument", "uri")
	if uri == "" {
		return
	}
	version, _ := jsonutil.GetInt(params, "textDocument", "version")
	dropped, cancelPrev := d.docs.Open(uri, version)
	if cancelPrev != nil {
		cancelPrev()
	}
	d.st.InvalidateAll(dropped)
}

// closeDocument drops tracked state for a didClose notification.
func (d *Dispatcher) closeDocument(params map[string]any) {
	uri, _ := jsonutil.GetString(params, "textDocument", "uri")
	if uri == "" {
		return
	}
	dropped, cancelPrev := d.docs.Close(uri)
	if cancelPrev != nil {
		cancelPrev()
	}
	d.st.InvalidateAll(dropped)
}

// requestWithParams re-marshals params back onto msg (AdjustInitializeParams
// and stash restoration both mutate the decoded params map; the wire
// message must carry the mutated copy, not the original raw bytes).
func requestWithParams(msg *jsonrpc.Message, params map[string]any) *jsonrpc.Message {
	if params == nil {
		return msg
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return msg
	}
	out := *msg
	out.Params = raw
	return &out
}

func isResolveMethod(method string) bool {
	return strings.HasSuffix(method, "/resolve")
}

func toDiagBackendKeys(backends []*backend.Descriptor) []diagnostics.BackendKey {
	out := make([]diagnostics.BackendKey, len(backends))
	for i, be := range backends {
		out[i] = diagnostics.BackendKey(be.Name)
	}
	return out
}
