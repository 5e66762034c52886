// Package observe provides application-wide observability primitives for
// daygrid's voice engine: OpenTelemetry metrics, tracing helpers, and
// structured-logging glue.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all daygrid metrics.
const meterName = "github.com/daygrid/daygrid"

// Metrics holds all OpenTelemetry metric instruments for the voice engine.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// CallDuration tracks function-call execution latency (admission to
	// response). Use with attribute.String("call", ...).
	CallDuration metric.Float64Histogram

	// ConnectDuration tracks session establishment latency (dial to ready).
	ConnectDuration metric.Float64Histogram

	// --- Counters ---

	// CallsAdmitted counts function calls that passed rate limiting and
	// were executed. Use with attributes:
	//   attribute.String("call", ...), attribute.String("status", ...)
	CallsAdmitted metric.Int64Counter

	// CallsDropped counts function calls silently discarded by the rate
	// limiter. Use with attribute.String("reason", ...).
	CallsDropped metric.Int64Counter

	// CallErrors counts calls that executed but failed, including
	// unknown-name rejections. Use with attributes:
	//   attribute.String("call", ...), attribute.String("kind", ...)
	CallErrors metric.Int64Counter

	// AudioUnderruns counts playback cursor resets caused by the audio
	// queue running dry mid-response.
	AudioUnderruns metric.Int64Counter

	// CaptureDropped counts microphone samples discarded under
	// backpressure.
	CaptureDropped metric.Int64Counter

	// Reconciliations counts items-changed fan-outs after mutating calls.
	Reconciliations metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for interactive voice latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.CallDuration, err = m.Float64Histogram("daygrid.call.duration",
		metric.WithDescription("Latency of function-call execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("daygrid.session.connect.duration",
		metric.WithDescription("Latency from dial to session ready."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CallsAdmitted, err = m.Int64Counter("daygrid.calls.admitted",
		metric.WithDescription("Total function calls admitted by the rate limiter, by call name and status."),
	); err != nil {
		return nil, err
	}
	if met.CallsDropped, err = m.Int64Counter("daygrid.calls.dropped",
		metric.WithDescription("Total function calls silently dropped by the rate limiter, by reason."),
	); err != nil {
		return nil, err
	}
	if met.CallErrors, err = m.Int64Counter("daygrid.calls.errors",
		metric.WithDescription("Total function-call failures, by call name and error kind."),
	); err != nil {
		return nil, err
	}
	if met.AudioUnderruns, err = m.Int64Counter("daygrid.audio.underruns",
		metric.WithDescription("Total playback cursor resets caused by queue underrun."),
	); err != nil {
		return nil, err
	}
	if met.CaptureDropped, err = m.Int64Counter("daygrid.audio.capture_dropped",
		metric.WithDescription("Total microphone samples dropped under backpressure."),
		metric.WithUnit("{sample}"),
	); err != nil {
		return nil, err
	}
	if met.Reconciliations, err = m.Int64Counter("daygrid.reconciliations",
		metric.WithDescription("Total items-changed fan-outs after mutating calls."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("daygrid.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordCallAdmitted records an admitted-call counter increment with the
// standard attribute set.
func (m *Metrics) RecordCallAdmitted(ctx context.Context, call, status string) {
	m.CallsAdmitted.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("call", call),
			attribute.String("status", status),
		),
	)
}

// RecordCallDropped records a silently dropped call with its drop reason.
func (m *Metrics) RecordCallDropped(ctx context.Context, reason string) {
	m.CallsDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordCallError records a failed call with its error kind.
func (m *Metrics) RecordCallError(ctx context.Context, call, kind string) {
	m.CallErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("call", call),
			attribute.String("kind", kind),
		),
	)
}
