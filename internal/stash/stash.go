// Package stash implements the opaque-handle stash (C5): it substitutes a
// server-specific `data` payload on a code-action or completion item with a
// fresh handle, so a later `*/resolve` can be routed back to the back-end
// that originally produced it.
package stash

import (
	"sync"

	"github.com/google/uuid"
)

// BackendKey identifies a back-end without importing internal/backend.
type BackendKey string

// Entry is what a handle resolves to.
type Entry struct {
	Backend      BackendKey
	OriginalData any
	URI          string // enclosing document the item was served for; "" if not applicable
}

// Stash allocates and resolves handles. Handles are uuid.UUID strings:
// opaque, collision-free for the process lifetime without a shared counter,
// and they round-trip through the editor as an ordinary JSON string since
// `data` is untyped.
type Stash struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// New returns an empty Stash.
func New() *Stash {
	return &Stash{entries: make(map[string]Entry)}
}

// Put allocates a fresh handle for (backend, originalData) and records it,
// returning the handle string to install in place of the item's `data`.
func (s *Stash) Put(be BackendKey, uri string, originalData any) string {
	handle := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[handle] = Entry{Backend: be, OriginalData: originalData, URI: uri}
	return handle
}

// Resolve looks up a handle, returning its entry and whether it was found.
// A handle presented on a */resolve call identifies exactly one back-end
// per the stash's invariants; Resolve does not remove the entry, since a
// completion item may legitimately be resolved more than once by some
// editors (re-requesting additional detail).
func (s *Stash) Resolve(handle string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[handle]
	return e, ok
}

// Invalidate drops handle, e.g. because its enclosing document's state was
// reset to a new version. Invalidating an already-invalid or unknown
// handle is a no-op.
func (s *Stash) Invalidate(handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, handle)
}

// InvalidateAll drops every handle in handles; used when a document's
// DocumentState resets or closes and docstate.Store handed back the set of
// handles it had been tracking for that URI.
func (s *Stash) InvalidateAll(handles []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range handles {
		delete(s.entries, h)
	}
}
