package policy

import (
	"time"

	"github.com/tinylsp/lspmux/internal/backend"
)

// Delegating embeds an inner Policy and forwards every method to it
// unchanged. A preset that wants to override one hook embeds Delegating
// (via NewDelegating) and shadows only that method, rather than
// reimplementing the whole interface or subclassing DefaultPolicy — the
// composition model the design notes call for.
type Delegating struct {
	Inner Policy
}

// NewDelegating wraps inner for selective overriding.
func NewDelegating(inner Policy) Delegating {
	return Delegating{Inner: inner}
}

func (d Delegating) RouteRequest(method string, params map[string]any, backends []*backend.Descriptor) Route {
	return d.Inner.RouteRequest(method, params, backends)
}

func (d Delegating) RouteNotification(method string, params map[string]any, backends []*backend.Descriptor) []*backend.Descriptor {
	return d.Inner.RouteNotification(method, params, backends)
}

func (d Delegating) FilterWatchedFiles(changes []any, watchers []backend.WatchPattern) []any {
	return d.Inner.FilterWatchedFiles(changes, watchers)
}

func (d Delegating) IsAggregatedMethod(method string) bool {
	return d.Inner.IsAggregatedMethod(method)
}

func (d Delegating) ResponseTimeout(method string) time.Duration {
	return d.Inner.ResponseTimeout(method)
}

func (d Delegating) PushDiagnosticTimeout() time.Duration {
	return d.Inner.PushDiagnosticTimeout()
}

func (d Delegating) MaskedCapability(key string) bool {
	return d.Inner.MaskedCapability(key)
}

func (d Delegating) DropTardyPush() bool {
	return d.Inner.DropTardyPush()
}

func (d Delegating) AdjustInitializeParams(params map[string]any) map[string]any {
	return d.Inner.AdjustInitializeParams(params)
}
