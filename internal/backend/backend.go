// Package backend gives the multiplexer a uniform interface to a back-end
// language server, whether it is a spawned subprocess or an in-process
// synthetic implementation (the internal back-end, C10).
package backend

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tinylsp/lspmux/internal/jsonrpc"
)

// Backend is the uniform surface the dispatcher drives. Deliver is
// non-blocking from the caller's perspective: the back-end owns whatever
// buffering it needs. Poll blocks until a message is available, the
// back-end terminates (io.EOF), or ctx is cancelled.
type Backend interface {
	// Name is the back-end's stable identity (command basename plus an
	// index suffix to disambiguate duplicates).
	Name() string
	Deliver(msg *jsonrpc.Message) error
	Poll(ctx context.Context) (*jsonrpc.Message, error)
	Close() error
	Wait() error
	// PollErrors drains one line of out-of-band diagnostic output (a
	// subprocess back-end's stderr, one line at a time); it returns
	// ("", false) when it has no line to give (for a subprocess, once its
	// stderr is closed).
	PollErrors() (string, bool)
}

// WatchPattern is one glob pattern a back-end registered dynamically via
// client/registerCapability for workspace/didChangeWatchedFiles.
type WatchPattern struct {
	Pattern string
	Kind    int // bitmask of WatchKind create(1)/change(2)/delete(4); 0 means "all"
}

// Descriptor carries a back-end's logical identity and mutable state: the
// capabilities it declared in its initialize response, the dynamic file
// watchers it registered, and the circuit breaker tracking its recent
// health. Identity (Index, Name, Primary) is immutable after construction.
type Descriptor struct {
	Backend Backend
	Index   int
	Name    string
	Primary bool

	mu           sync.RWMutex
	capabilities map[string]any
	watchers     []WatchPattern
	cookie       any

	Breaker *gobreaker.CircuitBreaker
}

// NewDescriptor wraps b with a fresh breaker. name must already be
// disambiguated by the caller (index-suffixed on duplicate basenames).
func NewDescriptor(index int, name string, primary bool, b Backend) *Descriptor {
	d := &Descriptor{Backend: b, Index: index, Name: name, Primary: primary}
	d.Breaker = newBreaker(name)
	return d
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0, // never reset counts on a timer; only on a successful close
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
}

// ResetBreaker replaces d's circuit breaker with a fresh one in the closed
// state: the operational escape hatch behind workspace/executeCommand's
// lspmux.reloadBreaker command, for an operator who knows a back-end has
// recovered faster than the breaker's own timeout would notice.
func (d *Descriptor) ResetBreaker() {
	d.Breaker = newBreaker(d.Name)
}

// SetCapabilities installs the capabilities declared in this back-end's
// initialize response.
func (d *Descriptor) SetCapabilities(caps map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.capabilities = caps
}

// Capabilities returns the last capabilities set by SetCapabilities, or nil
// before initialize completes.
func (d *Descriptor) Capabilities() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.capabilities
}

// HasCapability reports whether this back-end declared a truthy or
// structured value at capabilities.<key> (LSP providers are either `true`
// or a provider-options object; both count as "declared").
func (d *Descriptor) HasCapability(key string) bool {
	caps := d.Capabilities()
	if caps == nil {
		return false
	}
	v, ok := caps[key]
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	default:
		return v != nil
	}
}

// SetWatchers replaces the dynamic didChangeWatchedFiles glob patterns this
// back-end registered.
func (d *Descriptor) SetWatchers(patterns []WatchPattern) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.watchers = patterns
}

// Watchers returns a snapshot of the currently registered glob patterns.
func (d *Descriptor) Watchers() []WatchPattern {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]WatchPattern, len(d.watchers))
	copy(out, d.watchers)
	return out
}

// Cookie stores/retrieves a policy-specific opaque value, per the data
// model's "cookie field for policy-specific state".
func (d *Descriptor) SetCookie(v any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cookie = v
}

func (d *Descriptor) Cookie() any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cookie
}

// Healthy reports whether the breaker currently allows requests through
// (closed or half-open), i.e. whether routing policy should still include
// this back-end in aggregated fan-out.
func (d *Descriptor) Healthy() bool {
	return d.Breaker.State() != gobreaker.StateOpen
}

// RecordOutcome feeds a per-request success/failure signal into the
// breaker without actually gating the call (the call to the back-end
// already happened; this is bookkeeping, not a retry wrapper).
func (d *Descriptor) RecordOutcome(err error) {
	_, _ = d.Breaker.Execute(func() (any, error) { return nil, err })
}
