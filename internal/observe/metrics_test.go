package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestCallDurationHistogram(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.CallDuration.Record(ctx, 0.123)
	m.CallDuration.Record(ctx, 0.456)

	rm := collect(t, reader)
	md := findMetric(rm, "daygrid.call.duration")
	if md == nil {
		t.Fatal("daygrid.call.duration not found")
	}
	hist, ok := md.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("unexpected data type %T", md.Data)
	}
	if got := hist.DataPoints[0].Count; got != 2 {
		t.Errorf("count: got %d, want 2", got)
	}
}

func TestRecordCallDropped_ByReason(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCallDropped(ctx, "window")
	m.RecordCallDropped(ctx, "window")
	m.RecordCallDropped(ctx, "interval")

	rm := collect(t, reader)
	md := findMetric(rm, "daygrid.calls.dropped")
	if md == nil {
		t.Fatal("daygrid.calls.dropped not found")
	}
	sum, ok := md.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", md.Data)
	}

	byReason := map[string]int64{}
	for _, dp := range sum.DataPoints {
		reason, _ := dp.Attributes.Value(attribute.Key("reason"))
		byReason[reason.AsString()] = dp.Value
	}
	if byReason["window"] != 2 || byReason["interval"] != 1 {
		t.Errorf("drop counts: got %v", byReason)
	}
}

func TestRecordCallAdmittedAndErrors(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCallAdmitted(ctx, "createItem", "ok")
	m.RecordCallError(ctx, "nonsense", "unknown_function")

	rm := collect(t, reader)
	if findMetric(rm, "daygrid.calls.admitted") == nil {
		t.Error("daygrid.calls.admitted not found")
	}
	if findMetric(rm, "daygrid.calls.errors") == nil {
		t.Error("daygrid.calls.errors not found")
	}
}

func TestActiveSessionsUpDown(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	md := findMetric(rm, "daygrid.active_sessions")
	if md == nil {
		t.Fatal("daygrid.active_sessions not found")
	}
	sum, ok := md.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", md.Data)
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("gauge value: got %d, want 1", got)
	}
}
