package backend

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/tinylsp/lspmux/internal/jsonrpc"
)

// Handler answers one request routed to the internal back-end and returns
// the JSON-RPC result value (or an error, surfaced as an error response).
type Handler func(msg *jsonrpc.Message) (any, error)

// Internal is the synthetic back-end described in §4.9: it never spawns a
// process, and its Poll drains an in-process queue fed by Deliver, which
// dispatches eagerly to a registered Handler the moment a request arrives
// (the internal back-end never has real I/O latency to overlap).
type Internal struct {
	name     string
	handlers map[string]Handler
	outbound chan *jsonrpc.Message
	reqSeq   uint64
}

// NewInternal builds the internal back-end with the given method handlers.
// An unrecognized method receives a MethodNotFound error response; this
// mirrors a real language server's behavior for a method it doesn't
// support, so routing code doesn't need to special-case the internal
// back-end's capability set beyond what it actually declares.
func NewInternal(name string, handlers map[string]Handler) *Internal {
	return &Internal{
		name:     name,
		handlers: handlers,
		outbound: make(chan *jsonrpc.Message, 16),
	}
}

func (b *Internal) Name() string { return b.name }

func (b *Internal) Deliver(msg *jsonrpc.Message) error {
	atomic.AddUint64(&b.reqSeq, 1)

	if msg.IsNotification() {
		// The internal back-end has no notification handlers in the base
		// spec; presets may extend Handler to cover one by registering
		// under the notification's method name with an ignored result.
		if h, ok := b.handlers[msg.Method]; ok {
			go func() { _, _ = h(msg) }()
		}
		return nil
	}

	h, ok := b.handlers[msg.Method]
	if !ok {
		b.outbound <- jsonrpc.NewError(msg.ID, -32601, fmt.Sprintf("method not found: %s", msg.Method))
		return nil
	}

	result, err := h(msg)
	if err != nil {
		b.outbound <- jsonrpc.NewError(msg.ID, -32603, err.Error())
		return nil
	}
	resp, err := jsonrpc.NewResult(msg.ID, result)
	if err != nil {
		b.outbound <- jsonrpc.NewError(msg.ID, -32603, "internal: marshaling result: "+err.Error())
		return nil
	}
	b.outbound <- resp
	return nil
}

func (b *Internal) Poll(ctx context.Context) (*jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-b.outbound:
		return msg, nil
	}
}

func (b *Internal) Close() error { return nil }
func (b *Internal) Wait() error  { return nil }

func (b *Internal) PollErrors() (string, bool) { return "", false }

// InitializeCapabilities is the capability set the internal back-end
// declares in its own initialize response: only executeCommandProvider,
// naming the commands its handlers actually answer, so the aggregator's
// capability merge and the routing table's provider filters never route an
// unrelated method to it.
func InitializeCapabilities(commands []string) map[string]any {
	return map[string]any{
		"executeCommandProvider": map[string]any{"commands": commands},
	}
}

// Notify pushes a server-initiated notification (e.g. a synthetic
// publishDiagnostics the internal back-end wants to emit) onto the
// outbound queue the dispatcher polls.
func (b *Internal) Notify(method string, params any) error {
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	b.outbound <- msg
	return nil
}
