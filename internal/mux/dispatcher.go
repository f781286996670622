// Package mux implements the multiplexer loop (C9): the central dispatcher
// that owns every piece of shared state (the identifier table, document
// store, stash, and pending aggregations) and is the only goroutine that
// ever touches them, fed by one reader goroutine per input stream over a
// fan-in channel, exactly as the specification's concurrency model
// prescribes. Tear-down, whether triggered by a clean editor-initiated
// shutdown or a fatal back-end EOF, is a single context cancellation shared
// by every goroutine via golang.org/x/sync/errgroup.
package mux

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/tinylsp/lspmux/internal/aggregate"
	"github.com/tinylsp/lspmux/internal/backend"
	"github.com/tinylsp/lspmux/internal/cli"
	"github.com/tinylsp/lspmux/internal/diagnostics"
	"github.com/tinylsp/lspmux/internal/docstate"
	"github.com/tinylsp/lspmux/internal/ident"
	"github.com/tinylsp/lspmux/internal/jsonrpc"
	"github.com/tinylsp/lspmux/internal/policy"
	"github.com/tinylsp/lspmux/internal/stash"
)

// MetricsSink is the narrow slice of internal/metrics.Metrics the
// dispatcher needs, kept as an interface so tests can stub it without
// dragging in a prometheus registry.
type MetricsSink interface {
	ObserveRequest(method string)
	ObserveAggregation(method string, d time.Duration)
	ObserveBackendError(be string)
	ObservePushDiagnostic(be string)
	SetBreakerState(be string, state gobreaker.State)
}

// Options configures ambient dispatcher behavior driven by the command
// line (§6).
type Options struct {
	QuietServer bool          // suppress back-end stderr forwarding to the log
	Delay       time.Duration // fixed delay on every message emitted to the editor
}

// Dispatcher is the C9 multiplexer loop.
type Dispatcher struct {
	editorReader *jsonrpc.Reader
	editorWriter *jsonrpc.Writer

	backends []*backend.Descriptor
	byName   map[string]*backend.Descriptor

	pol     policy.Policy
	agg     *aggregate.Aggregator
	ids     *ident.Table
	docs    *docstate.Store
	st      *stash.Stash
	diag    *diagnostics.Reconciler
	metrics MetricsSink
	log     *cli.Logger

	opts Options

	inbound chan inboundEvent

	// Fields below are touched only from the dispatch loop goroutine.
	pending           map[string]*pendingAggregation
	internalSeq       map[string]uint64
	lastBreakerState  map[string]gobreaker.State
	streamDiagnostics bool
	shuttingDown      bool

	// ExitCode is set before Run returns: 1 after a back-end exits
	// unexpectedly outside shutdown, 0 in every other case (editor EOF,
	// clean shutdown, context cancellation).
	ExitCode int
}

type pendingAggregation struct {
	clientID json.RawMessage
	method   string
	uri      string // textDocument.uri, for stash attribution on codeAction/completion
	order    []string
	received map[string]aggregate.Received
	remaining map[string]bool
	timer    *time.Timer
	start    time.Time
}

// New builds a Dispatcher. backends must already include the internal
// back-end (C10) if one is in use — the dispatcher treats every entry
// uniformly, per the specification's "C10 is indistinguishable from any
// other back-end" design note.
func New(editorReader *jsonrpc.Reader, editorWriter *jsonrpc.Writer, backends []*backend.Descriptor, pol policy.Policy, masked aggregate.MaskedCapability, m MetricsSink, logger *cli.Logger, opts Options) *Dispatcher {
	byName := make(map[string]*backend.Descriptor, len(backends))
	for _, be := range backends {
		byName[be.Name] = be
	}
	names := backendKeys(backends)

	if logger == nil {
		logger = cli.NewLogger(false, false)
	}

	d := &Dispatcher{
		editorReader:     editorReader,
		editorWriter:     editorWriter,
		backends:         backends,
		byName:           byName,
		pol:              pol,
		agg:              aggregate.New(masked),
		ids:              ident.New(),
		docs:             docstate.New(),
		st:               stash.New(),
		metrics:          m,
		log:              logger,
		opts:             opts,
		inbound:          make(chan inboundEvent, 256),
		pending:          make(map[string]*pendingAggregation),
		internalSeq:      make(map[string]uint64),
		lastBreakerState: make(map[string]gobreaker.State),
	}
	d.diag = diagnostics.New(d.docs, names, pol.DropTardyPush(), pol.PushDiagnosticTimeout(), func(uri string, version int, diags []any) {
		d.postDiagnosticsPublish(uri, version, diags)
	})
	return d
}

// Run drives the dispatcher until a clean shutdown or a fatal error tears
// everything down. It returns nil after a clean shutdown (check ExitCode,
// which is 0) and a non-nil error after a fatal back-end EOF or similarly
// fatal condition (ExitCode is non-zero).
func (d *Dispatcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.readEditorLoop(gctx) })
	for _, be := range d.backends {
		be := be
		g.Go(func() error { return d.readBackendLoop(gctx, be) })
		if !d.opts.QuietServer {
			g.Go(func() error { return d.drainStderrLoop(gctx, be) })
		}
	}

	var dispatchErr error
	g.Go(func() error {
		dispatchErr = d.dispatchLoop(gctx, cancel)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return dispatchErr
}

func (d *Dispatcher) dispatchLoop(ctx context.Context, cancel context.CancelFunc) error {
	alive := len(d.backends)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-d.inbound:
			if !ok {
				return nil
			}
			switch ev.kind {
			case evtEditorMessage:
				d.handleEditorMessage(ev.msg)

			case evtEditorEOF:
				if !d.shuttingDown {
					d.log.Info("editor closed connection")
				}
				d.ExitCode = 0
				d.teardown()
				cancel()
				return nil

			case evtBackendMessage:
				d.handleBackendMessage(ev.backendName, ev.msg)

			case evtBackendEOF:
				alive--
				if d.shuttingDown {
					if alive == 0 {
						d.ExitCode = 0
						cancel()
						return nil
					}
					continue
				}
				d.log.Error("backend %s exited unexpectedly: %v", ev.backendName, ev.err)
				d.ExitCode = 1
				d.teardown()
				cancel()
				return fmt.Errorf("mux: backend %s exited unexpectedly: %w", ev.backendName, ev.err)

			case evtBackendErrLine:
				d.log.Debug("[%s] %s", ev.backendName, ev.line)

			case evtAggregationTimeout:
				if pend, ok := d.pending[ev.key]; ok {
					d.finishAggregation(json.RawMessage(ev.key), pend)
				}

			case evtDiagnosticsPublish:
				d.emitDiagnostics(ev.uri, ev.version, ev.diagnostics)
			}
		}
	}
}

// teardown closes every back-end's input so well-behaved servers exit on
// their own, waits briefly, and kills whatever's left via its process
// group, per §5's resource policy.
func (d *Dispatcher) teardown() {
	for _, be := range d.backends {
		_ = be.Backend.Close()
	}

	done := make(chan struct{})
	go func() {
		for _, be := range d.backends {
			_ = be.Backend.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		for _, be := range d.backends {
			if killer, ok := be.Backend.(interface{ Kill() error }); ok {
				_ = killer.Kill()
			}
		}
	}
}

func (d *Dispatcher) readEditorLoop(ctx context.Context) error {
	for {
		msg, err := d.editorReader.ReadMessage()
		if err != nil {
			select {
			case d.inbound <- inboundEvent{kind: evtEditorEOF, err: err}:
			case <-ctx.Done():
			}
			return nil
		}
		select {
		case d.inbound <- inboundEvent{kind: evtEditorMessage, msg: msg}:
		case <-ctx.Done():
			return nil
		}
	}
}

func (d *Dispatcher) readBackendLoop(ctx context.Context, be *backend.Descriptor) error {
	for {
		msg, err := be.Backend.Poll(ctx)
		if err != nil {
			select {
			case d.inbound <- inboundEvent{kind: evtBackendEOF, backendName: be.Name, err: err}:
			case <-ctx.Done():
			}
			return nil
		}
		select {
		case d.inbound <- inboundEvent{kind: evtBackendMessage, backendName: be.Name, msg: msg}:
		case <-ctx.Done():
			return nil
		}
	}
}

func (d *Dispatcher) drainStderrLoop(ctx context.Context, be *backend.Descriptor) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		line, ok := be.Backend.PollErrors()
		if !ok {
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		select {
		case d.inbound <- inboundEvent{kind: evtBackendErrLine, backendName: be.Name, line: line}:
		case <-ctx.Done():
			return nil
		}
	}
}

// postDiagnosticsPublish is the diagnostics.PublishFunc wired at
// construction; it only ever runs on a timer goroutine or re-entrantly off
// a push/pull call already inside the dispatch loop, so it hands off to
// the dispatch loop via the inbound channel rather than writing to the
// editor directly, preserving single-writer discipline.
func (d *Dispatcher) postDiagnosticsPublish(uri string, version int, diags []any) {
	ev := inboundEvent{kind: evtDiagnosticsPublish, uri: uri, version: version, diagnostics: diags}
	select {
	case d.inbound <- ev:
	default:
		// Buffer full during teardown or a burst; hand the send to a new
		// goroutine rather than block the caller.
		go func() { d.inbound <- ev }()
	}
}

func (d *Dispatcher) sendToEditor(msg *jsonrpc.Message) {
	if msg == nil {
		return
	}
	if d.opts.Delay <= 0 {
		if err := d.editorWriter.WriteMessage(msg); err != nil {
			d.log.Error("writing to editor: %v", err)
		}
		return
	}
	go func() {
		time.Sleep(d.opts.Delay)
		if err := d.editorWriter.WriteMessage(msg); err != nil {
			d.log.Error("writing to editor: %v", err)
		}
	}()
}

func (d *Dispatcher) deliver(be *backend.Descriptor, msg *jsonrpc.Message) {
	if err := be.Backend.Deliver(msg); err != nil {
		d.log.Error("delivering to %s: %v", be.Name, err)
	}
}

func (d *Dispatcher) nextInternalID(be string) json.RawMessage {
	d.internalSeq[be]++
	return json.RawMessage(strconv.FormatUint(d.internalSeq[be], 10))
}

func (d *Dispatcher) syncBreakerGauge(be *backend.Descriptor) {
	state := be.Breaker.State()
	d.metrics.SetBreakerState(be.Name, state)

	prev, seen := d.lastBreakerState[be.Name]
	if seen && prev == state {
		return
	}
	d.lastBreakerState[be.Name] = state
	switch {
	case state == gobreaker.StateOpen:
		d.log.Warn("backend %s circuit breaker opened, excluding from aggregated fan-out", be.Name)
	case seen && prev == gobreaker.StateOpen:
		d.log.Warn("backend %s circuit breaker recovered (state %s)", be.Name, state)
	}
	d.notifyBackendStatus(be.Name, state)
}

// notifyBackendStatus pushes a $/backendStatus notification through the
// internal back-end (C10) whenever a real back-end's circuit breaker
// changes state, so an editor that cares can surface it exactly like any
// other server-initiated notification rather than needing a side channel.
func (d *Dispatcher) notifyBackendStatus(beName string, state gobreaker.State) {
	for _, be := range d.backends {
		internal, ok := be.Backend.(*backend.Internal)
		if !ok {
			continue
		}
		_ = internal.Notify("$/backendStatus", map[string]any{
			"backend": beName,
			"state":   state.String(),
		})
		return
	}
}

func cloneWithID(msg *jsonrpc.Message, id json.RawMessage) *jsonrpc.Message {
	out := *msg
	out.ID = id
	return &out
}

func backendKeys(backends []*backend.Descriptor) []diagnostics.BackendKey {
	out := make([]diagnostics.BackendKey, len(backends))
	for i, be := range backends {
		out[i] = diagnostics.BackendKey(be.Name)
	}
	return out
}
