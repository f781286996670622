// Package aggregate implements the combiner (C7): given N back-end
// responses (or notifications) for one logical client request, it produces
// the single payload the editor sees.
package aggregate

import (
	"github.com/tinylsp/lspmux/internal/jsonrpc"
)

// Received is one back-end's answer to an aggregated request.
type Received struct {
	BackendName string
	Payload     any // decoded Result, when IsError is false
	IsError     bool
	ErrorObj    *jsonrpc.Error
}

// MaskedCapability reports whether a capability key should be dropped from
// a merged initialize response; implemented by the routing policy. It is a
// plain function type so that aggregate does not import policy.
type MaskedCapability func(key string) bool

// Aggregator holds nothing but method dispatch; it is stateless and safe
// for concurrent use. All the actual state (who's answered, timers) lives
// in the dispatcher's pendingAggregation (C9 owns accumulation, C7 only
// combines once accumulation is complete).
type Aggregator struct {
	Masked MaskedCapability
}

// New returns an Aggregator using masked to decide which initialize
// capability keys to exclude from the merge. masked may be nil (nothing
// masked).
func New(masked MaskedCapability) *Aggregator {
	if masked == nil {
		masked = func(string) bool { return false }
	}
	return &Aggregator{Masked: masked}
}

// Combine produces the aggregated result for method given the ordered list
// of back-ends queried (order matters for codeAction concatenation and
// serverInfo concatenation) and what each of them answered. order[0] must
// be the primary/first-configured back-end, since several combine rules
// special-case "first in order".
//
// If every entry errored, Combine returns the first error (by order) and a
// nil result. Otherwise errored entries are dropped silently and the
// successes are combined per method-specific rules; unrecognized methods
// fall back to a generic deep merge.
func (a *Aggregator) Combine(method string, order []string, received map[string]Received) (any, *jsonrpc.Error) {
	successes := make([]Received, 0, len(order))
	var firstError *jsonrpc.Error
	for _, be := range order {
		r, ok := received[be]
		if !ok {
			continue
		}
		if r.IsError {
			if firstError == nil {
				firstError = r.ErrorObj
			}
			continue
		}
		successes = append(successes, r)
	}

	if len(successes) == 0 {
		if firstError != nil {
			return nil, firstError
		}
		return nil, &jsonrpc.Error{Code: -32603, Message: "no backend answered"}
	}

	switch method {
	case "initialize":
		return a.combineInitialize(successes), nil
	case "shutdown":
		return nil, nil
	case "textDocument/completion":
		return combineCompletion(successes), nil
	case "textDocument/codeAction":
		return combineCodeAction(successes), nil
	case "textDocument/diagnostic":
		return combineDiagnostic(successes), nil
	default:
		return combineGeneric(successes), nil
	}
}

func combineGeneric(successes []Received) any {
	var acc any
	for _, s := range successes {
		acc = deepMergeAny(acc, s.Payload)
	}
	return acc
}
