package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/antzucaro/matchr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/daygrid/daygrid/internal/itemstore"
	"github.com/daygrid/daygrid/internal/observe"
	"github.com/daygrid/daygrid/internal/reconcile"
	"github.com/daygrid/daygrid/pkg/live"
)

// ErrUnknownFunction is wrapped into the failure envelope when the peer
// requests an operation outside the allow-list.
var ErrUnknownFunction = errors.New("dispatch: unknown function")

// CallStatus describes one step of a call's lifecycle as reported to
// observers.
type CallStatus string

const (
	CallStarted   CallStatus = "started"
	CallSucceeded CallStatus = "succeeded"
	CallFailed    CallStatus = "failed"
)

// CallObserver receives function-call lifecycle notifications. Must not block.
type CallObserver func(name string, status CallStatus)

// Responder carries a call's response envelope back to the peer.
// [live.SessionHandle] satisfies it.
type Responder interface {
	SendToolResults(results []live.ToolResult) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLimiter replaces the default rate limiter.
func WithLimiter(l *Limiter) Option {
	return func(d *Dispatcher) { d.limiter = l }
}

// WithNotifier sets the reconciliation notifier fired after mutating calls.
func WithNotifier(n *reconcile.Notifier) Option {
	return func(d *Dispatcher) { d.notifier = n }
}

// WithMetrics replaces the default metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger sets the logger used for call-level events.
func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// WithCallObserver registers a lifecycle observer.
func WithCallObserver(obs CallObserver) Option {
	return func(d *Dispatcher) { d.observers = append(d.observers, obs) }
}

// defaults matching the documented rate-limit tunables.
const (
	DefaultMaxCallsPerMinute = 10
	DefaultMinCallInterval   = 2 * time.Second

	queueDepth = 32
)

type queuedCall struct {
	call      Call
	responder Responder
}

// Dispatcher executes allow-listed function calls against the item store,
// one at a time, and replies to the peer with a response envelope. Construct
// with [New], feed it via [Dispatcher.Submit], and drive execution with
// [Dispatcher.Run].
type Dispatcher struct {
	store     itemstore.Store
	limiter   *Limiter
	notifier  *reconcile.Notifier
	metrics   *observe.Metrics
	log       *slog.Logger
	observers []CallObserver

	queue chan queuedCall

	snapMu   sync.RWMutex
	snapshot itemstore.Snapshot
}

// New creates a dispatcher over the given store.
func New(store itemstore.Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:   store,
		limiter: NewLimiter(DefaultMaxCallsPerMinute, DefaultMinCallInterval),
		log:     slog.Default(),
		queue:   make(chan queuedCall, queueDepth),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// Snapshot returns the dispatcher's cached item snapshot.
func (d *Dispatcher) Snapshot() itemstore.Snapshot {
	d.snapMu.RLock()
	defer d.snapMu.RUnlock()
	return d.snapshot
}

// RefreshSnapshot re-reads the snapshot from the store. Called once before
// the session starts so the first call sees current state, and internally
// after every mutating call.
func (d *Dispatcher) RefreshSnapshot(ctx context.Context) error {
	snap, err := d.store.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("dispatch: refresh snapshot: %w", err)
	}
	d.snapMu.Lock()
	d.snapshot = snap
	d.snapMu.Unlock()
	return nil
}

// Submit normalizes an inbound call payload and enqueues every admitted call
// for serialized execution. It never blocks on execution: the engine's
// inbound pump calls it directly. Rate-limited calls are silently dropped
// here (counted, no response). A payload with no recognizable call is a
// no-op. Only parse failures return an error.
func (d *Dispatcher) Submit(ctx context.Context, payload json.RawMessage, responder Responder) error {
	calls, err := Normalize(payload)
	if err != nil {
		d.metrics.RecordCallError(ctx, "", "malformed_payload")
		d.log.Warn("dropping malformed call payload", "error", err)
		return err
	}
	if len(calls) == 0 {
		return nil
	}

	for _, call := range calls {
		admitted, reason := d.limiter.Admit()
		if !admitted {
			d.metrics.RecordCallDropped(ctx, reason)
			d.log.Warn("rate limiter dropped call",
				"call", call.Name, "id", call.ID, "reason", reason)
			continue
		}
		select {
		case d.queue <- queuedCall{call: call, responder: responder}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Run executes queued calls one at a time until ctx is cancelled. Exactly one
// Run loop may be active per dispatcher.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case qc := <-d.queue:
			d.executeAndRespond(ctx, qc)
		}
	}
}

func (d *Dispatcher) executeAndRespond(ctx context.Context, qc queuedCall) {
	result := d.execute(ctx, qc.call)
	if err := qc.responder.SendToolResults([]live.ToolResult{result}); err != nil {
		d.log.Error("failed to send call response",
			"call", qc.call.Name, "id", qc.call.ID, "error", err)
	}
}

// execute runs one call and builds its response envelope. Store failures and
// unknown names are protocol-level successes: the envelope carries
// success:false plus a message the assistant can speak.
func (d *Dispatcher) execute(ctx context.Context, call Call) live.ToolResult {
	ctx, span := observe.StartSpan(ctx, "dispatch.call",
		trace.WithAttributes(attribute.String("call", call.Name)))
	defer span.End()

	d.notifyObservers(call.Name, CallStarted)
	started := time.Now()

	handler, ok := handlers[call.Name]
	if !ok {
		d.metrics.RecordCallError(ctx, call.Name, "unknown_function")
		d.notifyObservers(call.Name, CallFailed)
		msg := fmt.Sprintf("unknown function %q", call.Name)
		if suggestion := d.suggest(call.Name); suggestion != "" {
			msg += fmt.Sprintf(" (did you mean %q?)", suggestion)
		}
		d.log.Error("rejected unknown function", "call", call.Name, "id", call.ID)
		return failureResult(call, msg)
	}

	response, err := handler(ctx, d, call.Args)
	d.metrics.CallDuration.Record(ctx, time.Since(started).Seconds(),
		metric.WithAttributes(attribute.String("call", call.Name)))

	if err != nil {
		d.metrics.RecordCallAdmitted(ctx, call.Name, "error")
		d.metrics.RecordCallError(ctx, call.Name, "execution_failed")
		d.notifyObservers(call.Name, CallFailed)
		observe.Logger(ctx).Warn("call execution failed",
			"call", call.Name, "id", call.ID, "error", err)
		return failureResult(call, err.Error())
	}

	d.metrics.RecordCallAdmitted(ctx, call.Name, "ok")
	d.notifyObservers(call.Name, CallSucceeded)

	if mutatingOps[call.Name] {
		d.reconcile(ctx)
	}

	if response == nil {
		response = map[string]any{}
	}
	response["success"] = true
	return live.ToolResult{ID: call.ID, Name: call.Name, Response: response}
}

// reconcile refreshes the cached snapshot and fans out the items-changed
// notification.
func (d *Dispatcher) reconcile(ctx context.Context) {
	if err := d.RefreshSnapshot(ctx); err != nil {
		d.log.Error("snapshot refresh after mutation failed", "error", err)
	}
	if d.notifier != nil {
		d.notifier.Notify()
	}
	d.metrics.Reconciliations.Add(ctx, 1)
}

// suggest returns the closest allow-listed name when it is similar enough to
// be a plausible misspelling.
func (d *Dispatcher) suggest(name string) string {
	const threshold = 0.85
	best, bestScore := "", 0.0
	for _, decl := range ToolDeclarations() {
		if score := matchr.JaroWinkler(name, decl.Name, false); score > bestScore {
			best, bestScore = decl.Name, score
		}
	}
	if bestScore >= threshold {
		return best
	}
	return ""
}

func (d *Dispatcher) notifyObservers(name string, status CallStatus) {
	for _, obs := range d.observers {
		obs(name, status)
	}
}

func failureResult(call Call, message string) live.ToolResult {
	return live.ToolResult{
		ID:   call.ID,
		Name: call.Name,
		Response: map[string]any{
			"success": false,
			"error":   message,
		},
	}
}
