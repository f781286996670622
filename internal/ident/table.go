// Package ident implements the bidirectional identifier translation table
// (C3): client request IDs map to one internal ID per queried back-end, and
// the reverse direction (server-originated requests) maps a back-end's
// internal ID to a synthesized external ID the editor sees.
package ident

import (
	"encoding/json"
	"fmt"
	"sync"
)

// BackendKey identifies a back-end for the purposes of this table without
// this package needing to import the backend package (avoiding a import
// cycle with internal/backend, which does not need to know about ident).
type BackendKey string

// ClientEntry is what the table remembers about one client-originated
// request while it is outstanding.
type ClientEntry struct {
	Method    string
	Backends  map[BackendKey]json.RawMessage // backend -> its internal ID
	Cancelled bool
}

// Table is the identifier translation and correlation layer. All methods
// are safe for concurrent use, though in practice only the single
// dispatcher goroutine ever calls them (§5).
type Table struct {
	mu sync.Mutex

	// client -> backend direction.
	clientToBackends map[string]*ClientEntry           // clientIDKey -> entry
	backendToClient  map[BackendKey]map[string]json.RawMessage // backend -> internalIDKey -> clientID

	// backend -> client direction (server-originated requests).
	nextExternalID   uint64
	externalToOrigin map[uint64]backendOrigin // synthesized external ID -> (backend, original ID)
	originToExternal map[BackendKey]map[string]uint64
}

type backendOrigin struct {
	backend BackendKey
	id      json.RawMessage
}

// New returns an empty Table.
func New() *Table {
	return &Table{
		clientToBackends: make(map[string]*ClientEntry),
		backendToClient:  make(map[BackendKey]map[string]json.RawMessage),
		externalToOrigin: make(map[uint64]backendOrigin),
		originToExternal: make(map[BackendKey]map[string]uint64),
	}
}

// RegisterClientRequest records that clientID was routed to the given
// back-ends, each under its own freshly allocated internal ID. assignments
// maps each back-end to the internal ID the caller already allocated for it
// (the caller owns internal ID allocation, typically one monotonic counter
// per back-end, since the table only needs to remember the mapping).
func (t *Table) RegisterClientRequest(clientID json.RawMessage, method string, assignments map[BackendKey]json.RawMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := string(clientID)
	entry := &ClientEntry{Method: method, Backends: make(map[BackendKey]json.RawMessage, len(assignments))}
	for be, internalID := range assignments {
		entry.Backends[be] = internalID
		if t.backendToClient[be] == nil {
			t.backendToClient[be] = make(map[string]json.RawMessage)
		}
		t.backendToClient[be][string(internalID)] = clientID
	}
	t.clientToBackends[key] = entry
}

// ResolveBackendResponse looks up which client ID a (backend, internalID)
// response corresponds to. ok is false for an unrecognized ID (§7 "unknown
// response ID: log and drop"). cancelled is true if the client request was
// cancelled in the meantime, in which case the caller must discard the
// response rather than forward it (§4.3).
func (t *Table) ResolveBackendResponse(be BackendKey, internalID json.RawMessage) (clientID json.RawMessage, cancelled bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	inner, exists := t.backendToClient[be]
	if !exists {
		return nil, false, false
	}
	cid, exists := inner[string(internalID)]
	if !exists {
		return nil, false, false
	}
	entry := t.clientToBackends[string(cid)]
	cancelled = entry != nil && entry.Cancelled
	return cid, cancelled, true
}

// ForgetBackendResponse removes the single (backend, internalID) mapping
// once its response has been delivered (or discarded), without touching
// any sibling back-end still outstanding for the same client request.
func (t *Table) ForgetBackendResponse(be BackendKey, internalID json.RawMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if inner := t.backendToClient[be]; inner != nil {
		delete(inner, string(internalID))
	}
}

// ForgetClientRequest removes a fully-resolved or cancelled client request
// and every backend-side mapping it owned.
func (t *Table) ForgetClientRequest(clientID json.RawMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forgetClientRequestLocked(clientID)
}

func (t *Table) forgetClientRequestLocked(clientID json.RawMessage) {
	key := string(clientID)
	entry, ok := t.clientToBackends[key]
	if !ok {
		return
	}
	for be, internalID := range entry.Backends {
		if inner := t.backendToClient[be]; inner != nil {
			delete(inner, string(internalID))
		}
	}
	delete(t.clientToBackends, key)
}

// Entry returns the outstanding entry for a client request, or nil.
func (t *Table) Entry(clientID json.RawMessage) *ClientEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clientToBackends[string(clientID)]
}

// Cancel marks clientID as cancelled and returns the set of (backend,
// internalID) pairs that should receive a translated $/cancelRequest,
// per §4.3 rule 1. It does not remove the entry: late responses must still
// be recognized (and discarded) rather than treated as unknown IDs.
func (t *Table) Cancel(clientID json.RawMessage) map[BackendKey]json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.clientToBackends[string(clientID)]
	if !ok {
		return nil
	}
	entry.Cancelled = true
	out := make(map[BackendKey]json.RawMessage, len(entry.Backends))
	for be, id := range entry.Backends {
		out[be] = id
	}
	return out
}

// NewExternalID synthesizes a fresh external ID for a server-originated
// request from backend be with its own original ID, and records the
// reverse mapping so the editor's eventual response can be routed back.
func (t *Table) NewExternalID(be BackendKey, originalID json.RawMessage) json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextExternalID++
	ext := t.nextExternalID
	t.externalToOrigin[ext] = backendOrigin{backend: be, id: append(json.RawMessage(nil), originalID...)}
	if t.originToExternal[be] == nil {
		t.originToExternal[be] = make(map[string]uint64)
	}
	t.originToExternal[be][string(originalID)] = ext

	return json.RawMessage(fmt.Sprintf("%d", ext))
}

// ResolveEditorResponse maps an editor response's ID, synthesized by
// NewExternalID, back to the originating backend and its original request
// ID. ok is false if the ID is unrecognized.
func (t *Table) ResolveEditorResponse(externalID json.RawMessage) (be BackendKey, originalID json.RawMessage, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ext uint64
	if _, err := fmt.Sscanf(string(externalID), "%d", &ext); err != nil {
		return "", nil, false
	}
	origin, exists := t.externalToOrigin[ext]
	if !exists {
		return "", nil, false
	}
	delete(t.externalToOrigin, ext)
	if inner := t.originToExternal[origin.backend]; inner != nil {
		delete(inner, string(origin.id))
	}
	return origin.backend, origin.id, true
}
