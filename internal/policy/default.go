package policy

import (
	"path"
	"strings"
	"time"

	"github.com/tinylsp/lspmux/internal/backend"
	"github.com/tinylsp/lspmux/internal/jsonrpc"
	"github.com/tinylsp/lspmux/internal/jsonutil"
)

const (
	defaultResponseTimeout = 2500 * time.Millisecond
	defaultPushTimeout     = 1000 * time.Millisecond
)

// providerForMethod maps a routed method to the capability key a back-end
// must declare to be eligible, per §4.5's table. Methods not listed here
// either need no provider check (initialize, shutdown), are handled by a
// dedicated branch in RouteRequest (completion, diagnostic), or never reach
// RouteRequest (*/resolve, which the dispatcher handles itself).
var providerForMethod = map[string]string{
	"textDocument/codeAction":      "codeActionProvider",
	"textDocument/rename":          "renameProvider",
	"textDocument/formatting":      "documentFormattingProvider",
	"textDocument/rangeFormatting": "documentRangeFormattingProvider",
}

var aggregatedMethods = map[string]bool{
	"initialize":              true,
	"shutdown":                true,
	"textDocument/codeAction": true,
	"textDocument/completion": true,
	"textDocument/diagnostic": true,
}

// DefaultPolicy implements the routing table of §4.5; the combine rules
// live in internal/aggregate. dropTardy selects the tardy-push policy (§4.7, §9);
// maskedCapabilities names capability keys excluded from the merged
// initialize response.
type DefaultPolicy struct {
	dropTardy          bool
	maskedCapabilities map[string]bool
}

// NewDefault builds the default policy. maskedCapabilities may be nil.
func NewDefault(dropTardy bool, maskedCapabilities []string) *DefaultPolicy {
	masked := make(map[string]bool, len(maskedCapabilities))
	for _, k := range maskedCapabilities {
		masked[k] = true
	}
	return &DefaultPolicy{dropTardy: dropTardy, maskedCapabilities: masked}
}

func (p *DefaultPolicy) RouteRequest(method string, params map[string]any, backends []*backend.Descriptor) Route {
	healthy := filterHealthy(backends)

	switch method {
	case "initialize", "shutdown":
		return Route{Backends: healthy, Aggregate: true}

	case "textDocument/codeAction":
		return Route{Backends: filterByCapability(healthy, "codeActionProvider"), Aggregate: true}

	case "textDocument/completion":
		eligible := filterByCapability(healthy, "completionProvider")
		if trigger, ok := jsonutil.GetString(params, "context", "triggerCharacter"); ok && trigger != "" {
			eligible = filterByTriggerCharacter(eligible, trigger)
		}
		return Route{Backends: eligible, Aggregate: true}

	case "textDocument/diagnostic":
		return Route{Backends: filterByCapability(healthy, "diagnosticProvider"), Aggregate: true}

	case "textDocument/rename", "textDocument/formatting", "textDocument/rangeFormatting":
		key := providerForMethod[method]
		for _, d := range filterByCapability(healthy, key) {
			return Route{Backends: []*backend.Descriptor{d}, Aggregate: false}
		}
		return Route{Immediate: jsonrpc.NewError(nil, -32601, "no backend declares "+key)}

	default:
		// "All others: primary back-end (first in order)."
		if len(healthy) == 0 {
			return Route{Immediate: jsonrpc.NewError(nil, -32603, "no healthy backend available")}
		}
		return Route{Backends: []*backend.Descriptor{primaryOf(healthy)}, Aggregate: false}
	}
}

func (p *DefaultPolicy) RouteNotification(method string, params map[string]any, backends []*backend.Descriptor) []*backend.Descriptor {
	// Broadcast idempotence: every back-end gets an identical copy.
	// $/cancelRequest and workspace/didChangeWatchedFiles are special-cased
	// by the dispatcher before it calls RouteNotification at all.
	return filterHealthy(backends)
}

func (p *DefaultPolicy) FilterWatchedFiles(changes []any, watchers []backend.WatchPattern) []any {
	if len(watchers) == 0 {
		return nil
	}
	out := make([]any, 0, len(changes))
	for _, c := range changes {
		uri, ok := jsonutil.GetString(c, "uri")
		if !ok {
			continue
		}
		if matchesAnyWatcher(uri, watchers) {
			out = append(out, c)
		}
	}
	return out
}

func matchesAnyWatcher(uri string, watchers []backend.WatchPattern) bool {
	p := uriPath(uri)
	for _, w := range watchers {
		if ok, _ := path.Match(w.Pattern, p); ok {
			return true
		}
		// Also try matching just the base name, since many glob
		// patterns (e.g. "*.go") are meant to match anywhere in the tree
		// rather than anchored at the watched root.
		if ok, _ := path.Match(w.Pattern, path.Base(p)); ok {
			return true
		}
	}
	return false
}

func uriPath(uri string) string {
	if idx := strings.Index(uri, "://"); idx >= 0 {
		return uri[idx+3:]
	}
	return uri
}

func (p *DefaultPolicy) IsAggregatedMethod(method string) bool {
	return aggregatedMethods[method]
}

func (p *DefaultPolicy) ResponseTimeout(method string) time.Duration {
	return defaultResponseTimeout
}

func (p *DefaultPolicy) PushDiagnosticTimeout() time.Duration {
	return defaultPushTimeout
}

func (p *DefaultPolicy) MaskedCapability(key string) bool {
	return p.maskedCapabilities[key]
}

func (p *DefaultPolicy) DropTardyPush() bool {
	return p.dropTardy
}

func (p *DefaultPolicy) AdjustInitializeParams(params map[string]any) map[string]any {
	return jsonutil.SetIn(params, []any{"utf-16"}, "capabilities", "general", "positionEncodings")
}

func filterHealthy(backends []*backend.Descriptor) []*backend.Descriptor {
	out := make([]*backend.Descriptor, 0, len(backends))
	for _, d := range backends {
		if d.Healthy() {
			out = append(out, d)
		}
	}
	return out
}

func filterByCapability(backends []*backend.Descriptor, key string) []*backend.Descriptor {
	out := make([]*backend.Descriptor, 0, len(backends))
	for _, d := range backends {
		if d.HasCapability(key) {
			out = append(out, d)
		}
	}
	return out
}

func filterByTriggerCharacter(backends []*backend.Descriptor, trigger string) []*backend.Descriptor {
	out := make([]*backend.Descriptor, 0, len(backends))
	for _, d := range backends {
		caps := d.Capabilities()
		cp, ok := jsonutil.AsMap(caps["completionProvider"])
		if !ok {
			continue
		}
		chars, ok := jsonutil.AsSlice(cp["triggerCharacters"])
		if !ok {
			continue
		}
		for _, c := range chars {
			if s, ok := c.(string); ok && s == trigger {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

func primaryOf(backends []*backend.Descriptor) *backend.Descriptor {
	for _, d := range backends {
		if d.Primary {
			return d
		}
	}
	return backends[0]
}
