// Package observe provides application-wide observability primitives for
// Parley: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// bridges them to a private Prometheus registry served by
// [Provider.Handler]; [MetricsHandler] serves the default registry when no
// provider was installed. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TransportRTT tracks heartbeat round trips to the speech backend.
	TransportRTT metric.Float64Histogram

	// AIResponseDuration tracks the time from committing an utterance to the
	// first synthesized audio chunk.
	AIResponseDuration metric.Float64Histogram

	// BackendRequestDuration tracks REST collaborator latency. Use with
	// attribute:
	//   attribute.String("endpoint", ...)
	BackendRequestDuration metric.Float64Histogram

	// --- Counters ---

	// BytesSent counts bytes written to the speech backend.
	BytesSent metric.Int64Counter

	// BytesReceived counts bytes read from the speech backend.
	BytesReceived metric.Int64Counter

	// PlaybackGlitches counts playback underruns.
	PlaybackGlitches metric.Int64Counter

	// Reconnects counts reconnection attempts. Use with attribute:
	//   attribute.String("outcome", ...)
	Reconnects metric.Int64Counter

	// Turns counts completed interview turns. Use with attribute:
	//   attribute.String("mode", ...)
	Turns metric.Int64Counter

	// BackendRequests counts REST collaborator calls. Use with attributes:
	//   attribute.String("endpoint", ...), attribute.String("status", ...)
	BackendRequests metric.Int64Counter

	// --- Error counters ---

	// BackendErrors counts errors reported by the speech backend. Use with
	// attributes:
	//   attribute.String("code", ...), attribute.Bool("terminal", ...)
	BackendErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live interview sessions.
	ActiveSessions metric.Int64UpDownCounter

	// BufferDepth is the current playback look-ahead recommendation.
	BufferDepth metric.Int64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for conversational latencies.
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
	if met.TransportRTT, err = m.Float64Histogram("parley.transport.rtt",
		metric.WithDescription("Heartbeat round trip to the speech backend."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AIResponseDuration, err = m.Float64Histogram("parley.ai.response.duration",
		metric.WithDescription("Time from utterance commit to the first synthesized audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BackendRequestDuration, err = m.Float64Histogram("parley.backend.request.duration",
		metric.WithDescription("Latency of REST collaborator requests by endpoint."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.BytesSent, err = m.Int64Counter("parley.transport.bytes_sent",
		metric.WithDescription("Bytes written to the speech backend."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.BytesReceived, err = m.Int64Counter("parley.transport.bytes_received",
		metric.WithDescription("Bytes read from the speech backend."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.PlaybackGlitches, err = m.Int64Counter("parley.playback.glitches",
		metric.WithDescription("Playback underruns."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("parley.transport.reconnects",
		metric.WithDescription("Reconnection attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("parley.interview.turns",
		metric.WithDescription("Completed interview turns by mode."),
	); err != nil {
		return nil, err
	}
	if met.BackendRequests, err = m.Int64Counter("parley.backend.requests",
		metric.WithDescription("REST collaborator requests by endpoint and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.BackendErrors, err = m.Int64Counter("parley.backend.errors",
		metric.WithDescription("Errors reported by the speech backend by code."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of live interview sessions."),
	); err != nil {
		return nil, err
	}
	if met.BufferDepth, err = m.Int64Gauge("parley.playback.buffer_depth",
		metric.WithDescription("Current playback look-ahead recommendation."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
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

// MetricsHandler serves the default Prometheus registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordBackendRequest records one REST collaborator call with the standard
// attribute set.
func (m *Metrics) RecordBackendRequest(ctx context.Context, endpoint, status string, seconds float64) {
	m.BackendRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("status", status),
		),
	)
	m.BackendRequestDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("endpoint", endpoint)),
	)
}

// RecordBackendError records an error reported by the speech backend.
func (m *Metrics) RecordBackendError(ctx context.Context, code string, terminal bool) {
	m.BackendErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("code", code),
			attribute.Bool("terminal", terminal),
		),
	)
}

// RecordReconnect records a reconnection attempt outcome ("scheduled",
// "succeeded" or "exhausted").
func (m *Metrics) RecordReconnect(ctx context.Context, outcome string) {
	m.Reconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordTurn records a completed interview turn.
func (m *Metrics) RecordTurn(ctx context.Context, mode string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("mode", mode)),
	)
}
