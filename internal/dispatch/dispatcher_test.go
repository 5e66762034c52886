package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/daygrid/daygrid/internal/itemstore"
	"github.com/daygrid/daygrid/internal/observe"
	"github.com/daygrid/daygrid/internal/reconcile"
	"github.com/daygrid/daygrid/pkg/live"
)

// recordingResponder captures response envelopes sent back to the peer.
type recordingResponder struct {
	mu      sync.Mutex
	results []live.ToolResult
}

func (r *recordingResponder) SendToolResults(results []live.ToolResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, results...)
	return nil
}

func (r *recordingResponder) all() []live.ToolResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]live.ToolResult(nil), r.results...)
}

func (r *recordingResponder) waitFor(t *testing.T, n int) []live.ToolResult {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.all(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d responses, have %d", n, len(r.all()))
	return nil
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// startDispatcher builds a running dispatcher over a fresh memstore.
func startDispatcher(t *testing.T, opts ...Option) (*Dispatcher, *itemstore.MemStore) {
	t.Helper()
	store := itemstore.NewMemStore()
	opts = append([]Option{WithMetrics(testMetrics(t))}, opts...)
	d := New(store, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = d.Run(ctx) }()
	return d, store
}

func submit(t *testing.T, d *Dispatcher, responder Responder, payload string) {
	t.Helper()
	if err := d.Submit(context.Background(), json.RawMessage(payload), responder); err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func TestCreateItemScenario(t *testing.T) {
	t.Parallel()

	notifier := reconcile.NewNotifier()
	t.Cleanup(notifier.Close)
	changes, unsubscribe := notifier.Subscribe()
	t.Cleanup(unsubscribe)

	d, store := startDispatcher(t, WithNotifier(notifier))
	responder := &recordingResponder{}

	submit(t, d, responder, `{"functionCalls":[
		{"id":"c1","name":"createItem","args":{"kind":"event","title":"Dentist","startAt":"2026-03-10T09:00:00Z","endAt":"2026-03-10T10:00:00Z"}}
	]}`)

	results := responder.waitFor(t, 1)
	res := results[0]
	if res.ID != "c1" || res.Name != "createItem" {
		t.Errorf("envelope: got %+v", res)
	}
	if res.Response["success"] != true {
		t.Fatalf("expected success, got %v", res.Response)
	}

	// The store was called exactly once.
	items, err := store.Search(context.Background(), itemstore.SearchOpts{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(items) != 1 || items[0].Title != "Dentist" {
		t.Errorf("store contents: %+v", items)
	}

	// Items-changed fires within a second of the mutation.
	select {
	case <-changes:
	case <-time.After(time.Second):
		t.Error("no items-changed notification within 1s")
	}

	// The dispatcher's snapshot reflects the mutation.
	if snap := d.Snapshot(); len(snap.Items) != 1 {
		t.Errorf("snapshot not refreshed: %+v", snap.Items)
	}
}

func TestRateLimitedCallsProduceNoResponseAndNoStoreCall(t *testing.T) {
	t.Parallel()

	limiter := NewLimiter(DefaultMaxCallsPerMinute, DefaultMinCallInterval)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	d, store := startDispatcher(t, WithLimiter(limiter))
	responder := &recordingResponder{}

	// 12 calls across ~5 seconds: only 10 may execute.
	for i := 0; i < 12; i++ {
		payload := fmt.Sprintf(`{"id":"c%d","name":"createItem","args":{"kind":"todo","title":"task %d"}}`, i, i)
		submit(t, d, responder, payload)
		now = now.Add(417 * time.Millisecond)
	}

	results := responder.waitFor(t, 10)
	time.Sleep(50 * time.Millisecond) // allow any spurious 11th response to surface
	if got := len(responder.all()); got != 10 {
		t.Errorf("responses: got %d, want exactly 10", got)
	}
	for _, res := range results {
		if res.Response["success"] != true {
			t.Errorf("unexpected failure envelope: %+v", res)
		}
	}

	items, err := store.Search(context.Background(), itemstore.SearchOpts{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(items) != 10 {
		t.Errorf("store invocations: got %d items, want 10", len(items))
	}
}

func TestUnknownFunctionIsFailureData(t *testing.T) {
	t.Parallel()

	d, store := startDispatcher(t)
	responder := &recordingResponder{}

	submit(t, d, responder, `{"id":"c1","name":"creatItem","args":{"kind":"todo","title":"x"}}`)

	res := responder.waitFor(t, 1)[0]
	if res.Response["success"] != false {
		t.Fatalf("expected failure envelope, got %v", res.Response)
	}
	msg, _ := res.Response["error"].(string)
	if msg == "" {
		t.Fatal("failure envelope has no error message")
	}
	if want := `did you mean "createItem"`; !strings.Contains(msg, want) {
		t.Errorf("error message %q does not suggest the correct name", msg)
	}

	items, _ := store.Search(context.Background(), itemstore.SearchOpts{})
	if len(items) != 0 {
		t.Error("unknown function reached the store")
	}
}

func TestStoreFailureIsProtocolSuccess(t *testing.T) {
	t.Parallel()

	d, _ := startDispatcher(t)
	responder := &recordingResponder{}

	// deleteItem on a missing ID: the store errors, the envelope reports it.
	submit(t, d, responder, `{"id":"c1","name":"deleteItem","args":{"id":"no-such-item"}}`)

	res := responder.waitFor(t, 1)[0]
	if res.Response["success"] != false {
		t.Fatalf("expected failure envelope, got %v", res.Response)
	}
	if msg, _ := res.Response["error"].(string); msg == "" {
		t.Error("failure envelope has no error message")
	}
}

func TestMalformedPayloadIsDroppedWithError(t *testing.T) {
	t.Parallel()

	d, _ := startDispatcher(t)
	responder := &recordingResponder{}

	err := d.Submit(context.Background(), json.RawMessage(`{"name":`), responder)
	if err == nil {
		t.Fatal("expected parse error")
	}
	time.Sleep(20 * time.Millisecond)
	if len(responder.all()) != 0 {
		t.Error("malformed payload produced a response")
	}
}

// serializingStore wraps a store and fails the test if two operations are
// ever in flight at once.
type serializingStore struct {
	itemstore.Store
	t        *testing.T
	inFlight atomic.Int32
}

func (s *serializingStore) Create(ctx context.Context, item itemstore.Item) (itemstore.Item, error) {
	if n := s.inFlight.Add(1); n != 1 {
		s.t.Errorf("overlapping executions: %d in flight", n)
	}
	time.Sleep(30 * time.Millisecond) // simulate slow store I/O
	defer s.inFlight.Add(-1)
	return s.Store.Create(ctx, item)
}

func TestCallsAreSerialized(t *testing.T) {
	t.Parallel()

	store := &serializingStore{Store: itemstore.NewMemStore(), t: t}
	d := New(store, WithMetrics(testMetrics(t)))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = d.Run(ctx) }()

	responder := &recordingResponder{}
	submit(t, d, responder, `[
		{"id":"a","name":"createItem","args":{"kind":"todo","title":"first"}},
		{"id":"b","name":"createItem","args":{"kind":"todo","title":"second"}}
	]`)

	responder.waitFor(t, 2)
}

func TestCallLifecycleObserver(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var seen []CallStatus
	observer := func(_ string, status CallStatus) {
		mu.Lock()
		seen = append(seen, status)
		mu.Unlock()
	}

	d, _ := startDispatcher(t, WithCallObserver(observer))
	responder := &recordingResponder{}
	submit(t, d, responder, `{"id":"c1","name":"createItem","args":{"kind":"todo","title":"x"}}`)
	responder.waitFor(t, 1)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != CallStarted || seen[1] != CallSucceeded {
		t.Errorf("lifecycle: got %v", seen)
	}
}
