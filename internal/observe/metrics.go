// Package observe provides application-wide observability primitives for
// hotline: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all hotline metrics.
const meterName = "github.com/MrWong99/hotline"

// Frame directions.
const (
	DirectionInbound  = "inbound"  // caller → backend
	DirectionOutbound = "outbound" // backend → caller
)

// Redirect statuses.
const (
	RedirectOK      = "ok"
	RedirectError   = "error"
	RedirectSkipped = "skipped"
)

// Protocol error sources.
const (
	SourceTelephony = "telephony"
	SourceBackend   = "backend"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// BackendConnectDuration tracks how long it takes to open and configure an
	// AI backend session. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	BackendConnectDuration metric.Float64Histogram

	// SessionDuration tracks the lifetime of relay sessions. Use with attribute:
	//   attribute.String("outcome", ...)
	SessionDuration metric.Float64Histogram

	// --- Counters ---

	// Sessions counts finished relay sessions. Use with attribute:
	//   attribute.String("outcome", ...)
	Sessions metric.Int64Counter

	// Frames counts relayed audio frames. Use with attribute:
	//   attribute.String("direction", DirectionInbound|DirectionOutbound)
	Frames metric.Int64Counter

	// BargeIns counts assistant interruptions caused by caller speech.
	BargeIns metric.Int64Counter

	// Redirects counts trigger-phrase redirects. Use with attribute:
	//   attribute.String("status", RedirectOK|RedirectError|RedirectSkipped)
	Redirects metric.Int64Counter

	// ProtocolErrors counts malformed messages that were skipped. Use with
	// attribute:
	//   attribute.String("source", SourceTelephony|SourceBackend)
	ProtocolErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live relay sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection setup latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets defines histogram bucket boundaries (in seconds) for call
// lengths.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.BackendConnectDuration, err = m.Float64Histogram("hotline.backend.connect.duration",
		metric.WithDescription("Latency of opening and configuring an AI backend session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("hotline.session.duration",
		metric.WithDescription("Lifetime of relay sessions by outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Sessions, err = m.Int64Counter("hotline.sessions",
		metric.WithDescription("Total finished relay sessions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Frames, err = m.Int64Counter("hotline.frames",
		metric.WithDescription("Total relayed audio frames by direction."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("hotline.barge_ins",
		metric.WithDescription("Total assistant interruptions caused by caller speech."),
	); err != nil {
		return nil, err
	}
	if met.Redirects, err = m.Int64Counter("hotline.redirects",
		metric.WithDescription("Total trigger-phrase call redirects by status."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolErrors, err = m.Int64Counter("hotline.protocol_errors",
		metric.WithDescription("Total malformed messages skipped, by source."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("hotline.active_sessions",
		metric.WithDescription("Number of live relay sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("hotline.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrame counts one relayed audio frame in the given direction.
func (m *Metrics) RecordFrame(ctx context.Context, direction string) {
	m.Frames.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordBargeIn counts one assistant interruption.
func (m *Metrics) RecordBargeIn(ctx context.Context) {
	m.BargeIns.Add(ctx, 1)
}

// RecordRedirect counts one redirect attempt with the given status.
func (m *Metrics) RecordRedirect(ctx context.Context, status string) {
	m.Redirects.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordProtocolError counts one skipped malformed message.
func (m *Metrics) RecordProtocolError(ctx context.Context, source string) {
	m.ProtocolErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordBackendConnect records the latency of a backend connect attempt.
func (m *Metrics) RecordBackendConnect(ctx context.Context, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.BackendConnectDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordSessionEnd counts a finished session and records its lifetime.
func (m *Metrics) RecordSessionEnd(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.Sessions.Add(ctx, 1, attrs)
	m.SessionDuration.Record(ctx, d.Seconds(), attrs)
}
