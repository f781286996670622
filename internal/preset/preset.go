// Package preset defines the narrow contract an external collaborator
// satisfies to supply back-end argvs and a custom routing policy without
// the core depending on any particular discovery or configuration
// mechanism: Backends returns the argv list (the first entry is the
// primary), Policy wraps the default policy the dispatcher already built.
package preset

import "github.com/tinylsp/lspmux/internal/policy"

// Preset supplies the back-end argv list and, optionally, a custom routing
// policy layered over the dispatcher's default one.
type Preset interface {
	// Backends returns one argv slice per back-end, in primary-first
	// order. An empty result means "use whatever --" segments argv
	// already specified" (see DefaultPreset).
	Backends() [][]string

	// Policy wraps inner (the default policy already configured from the
	// command line) with whatever overrides this preset wants, via
	// policy.Delegating. A preset with nothing to override returns inner
	// unchanged.
	Policy(inner policy.Policy) policy.Policy
}

// DefaultPreset changes nothing: it defers entirely to the argv-derived
// back-end list and the stock policy. It exists so callers that have no
// preset to supply don't need a nil check at every call site.
type DefaultPreset struct{}

// Backends returns nil, signaling "use argv as given."
func (DefaultPreset) Backends() [][]string { return nil }

// Policy returns inner unchanged.
func (DefaultPreset) Policy(inner policy.Policy) policy.Policy { return inner }

// StrictPreset changes nothing about back-end discovery but always drops a
// tardy push diagnostic rather than re-publishing it, regardless of
// --drop-tardy: for a scripted or CI invocation that wants deterministic,
// single-publication diagnostics runs.
type StrictPreset struct{}

// Backends returns nil, signaling "use argv as given."
func (StrictPreset) Backends() [][]string { return nil }

// Policy wraps inner with policy.Delegating, overriding only DropTardyPush.
func (StrictPreset) Policy(inner policy.Policy) policy.Policy {
	return strictPolicy{Delegating: policy.NewDelegating(inner)}
}

type strictPolicy struct {
	policy.Delegating
}

func (strictPolicy) DropTardyPush() bool { return true }
