package mux

import (
	"github.com/tinylsp/lspmux/internal/jsonrpc"
)

// eventKind tags the single fan-in channel every reader goroutine posts to;
// the dispatch loop is the only place that branches on it (§5).
type eventKind int

const (
	evtEditorMessage eventKind = iota
	evtEditorEOF
	evtBackendMessage
	evtBackendEOF
	evtBackendErrLine
	evtAggregationTimeout
	evtDiagnosticsPublish
)

// inboundEvent is the fan-in envelope. Only the fields relevant to kind are
// populated; the rest are zero.
type inboundEvent struct {
	kind eventKind

	// evtEditorMessage, evtBackendMessage
	msg *jsonrpc.Message

	// evtBackendMessage, evtBackendEOF, evtBackendErrLine
	backendName string

	// evtEditorEOF, evtBackendEOF
	err error

	// evtBackendErrLine
	line string

	// evtAggregationTimeout: the pending aggregation's clientID, as a map key
	key string

	// evtDiagnosticsPublish
	uri         string
	version     int
	diagnostics []any
}
