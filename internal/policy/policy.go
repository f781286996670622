// Package policy implements the per-method routing decision (C6): for a
// given client request it decides which back-ends receive it and whether
// the responses should be aggregated, and it exposes the handful of other
// method-shaped decisions the dispatcher needs (timeouts, capability
// masking, notification filtering).
//
// Policy is modeled as an interface with one default implementation rather
// than a class hierarchy: a preset that wants to override one hook wraps an
// inner Policy and delegates everything else to it (composition, per the
// design notes), instead of subclassing.
package policy

import (
	"time"

	"github.com/tinylsp/lspmux/internal/backend"
	"github.com/tinylsp/lspmux/internal/jsonrpc"
)

// Route is the outcome of routing a client request: either a set of
// back-ends to dispatch to (Aggregate decides whether the dispatcher waits
// for all of them and combines the results, or just fires to the first),
// or an Immediate response the dispatcher sends back without involving any
// back-end at all.
type Route struct {
	Backends  []*backend.Descriptor
	Aggregate bool
	Immediate *jsonrpc.Message
}

// Policy is the full hook set the dispatcher calls into. A default
// implementation (DefaultPolicy) realizes the table in the specification's
// routing section; presets compose by wrapping it.
type Policy interface {
	// RouteRequest decides how to handle a client-originated request.
	RouteRequest(method string, params map[string]any, backends []*backend.Descriptor) Route

	// RouteNotification decides which back-ends a client-originated
	// notification broadcasts to (every back-end, by default; $/cancelRequest
	// and workspace/didChangeWatchedFiles are handled by the dispatcher
	// directly since they need per-backend request/document state this
	// interface does not carry, but Policy still gets the first say via
	// FilterWatchedFiles below).
	RouteNotification(method string, params map[string]any, backends []*backend.Descriptor) []*backend.Descriptor

	// FilterWatchedFiles narrows a workspace/didChangeWatchedFiles event
	// batch to the subset matching one back-end's registered glob
	// patterns (§4.5's file-watcher filtering rule).
	FilterWatchedFiles(changes []any, watchers []backend.WatchPattern) []any

	// IsAggregatedMethod reports whether method, when routed to more than
	// one back-end, should be aggregated (wait + combine) rather than
	// answered from the first responder.
	IsAggregatedMethod(method string) bool

	// ResponseTimeout returns the aggregation timeout for method's
	// response aggregation (default 2500ms per §4.6/§5).
	ResponseTimeout(method string) time.Duration

	// PushDiagnosticTimeout returns the push-diagnostic aggregation
	// timeout (default 1000ms per §4.6/§5).
	PushDiagnosticTimeout() time.Duration

	// MaskedCapability reports whether key should be excluded from the
	// merged initialize response entirely (§4.6 "exclude capabilities
	// explicitly masked").
	MaskedCapability(key string) bool

	// DropTardyPush reports whether a push diagnostic arriving after an
	// aggregated publication for (uri, version) should be dropped
	// (--drop-tardy) rather than re-published (§4.7, §9 open question).
	DropTardyPush() bool

	// AdjustInitializeParams mutates the outgoing initialize params sent
	// to every back-end; the default forces
	// general.positionEncodings = ["utf-16"] per §4.5.
	AdjustInitializeParams(params map[string]any) map[string]any
}
