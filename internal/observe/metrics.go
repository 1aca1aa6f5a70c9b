// Package observe provides application-wide observability primitives for
// Voxflow: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Voxflow metrics.
const meterName = "github.com/voxflow/voxflow"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per call stage ---

	// ConnectDuration tracks how long call setup takes, from credential mint
	// to the applied session answer.
	ConnectDuration metric.Float64Histogram

	// RetrievalDuration tracks knowledge retrieval latency per answer.
	RetrievalDuration metric.Float64Histogram

	// GenerationDuration tracks LLM answer generation latency.
	GenerationDuration metric.Float64Histogram

	// --- Counters ---

	// FlowSteps counts interpreter steps. Use with attributes:
	//   attribute.String("flow_id", ...), attribute.String("node_kind", ...)
	FlowSteps metric.Int64Counter

	// ProtocolEvents counts decoded server events. Use with attribute:
	//   attribute.String("type", ...)
	ProtocolEvents metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// LeadsCaptured counts persisted leads. Use with attribute:
	//   attribute.String("flow_id", ...)
	LeadsCaptured metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// ProtocolParseErrors counts malformed frames dropped off the control
	// channel.
	ProtocolParseErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of calls currently in progress.
	ActiveCalls metric.Int64UpDownCounter

	// ActiveSessions tracks the number of live realtime sessions.
	ActiveSessions metric.Int64UpDownCounter

	// PlaybackQueueDepth tracks buffered audio chunks awaiting playback
	// across all calls.
	PlaybackQueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-call latencies.
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
	if met.ConnectDuration, err = m.Float64Histogram("voxflow.connect.duration",
		metric.WithDescription("Latency of call setup from credential mint to applied answer."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RetrievalDuration, err = m.Float64Histogram("voxflow.retrieval.duration",
		metric.WithDescription("Latency of knowledge retrieval per answer."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GenerationDuration, err = m.Float64Histogram("voxflow.generation.duration",
		metric.WithDescription("Latency of LLM answer generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FlowSteps, err = m.Int64Counter("voxflow.flow.steps",
		metric.WithDescription("Total interpreter steps by flow ID and node kind."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolEvents, err = m.Int64Counter("voxflow.protocol.events",
		metric.WithDescription("Total decoded server events by type."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("voxflow.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.LeadsCaptured, err = m.Int64Counter("voxflow.leads.captured",
		metric.WithDescription("Total persisted leads by flow ID."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("voxflow.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolParseErrors, err = m.Int64Counter("voxflow.protocol.parse_errors",
		metric.WithDescription("Total malformed frames dropped off the control channel."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("voxflow.active_calls",
		metric.WithDescription("Number of calls currently in progress."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxflow.active_sessions",
		metric.WithDescription("Number of live realtime sessions."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackQueueDepth, err = m.Int64UpDownCounter("voxflow.playback.queue_depth",
		metric.WithDescription("Buffered audio chunks awaiting playback across all calls."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxflow.http.request.duration",
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

// RecordFlowStep is a convenience method that records an interpreter step
// counter increment with the standard attribute set.
func (m *Metrics) RecordFlowStep(ctx context.Context, flowID, nodeKind string) {
	m.FlowSteps.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("flow_id", flowID),
			attribute.String("node_kind", nodeKind),
		),
	)
}

// RecordProtocolEvent is a convenience method that records a decoded server
// event counter increment.
func (m *Metrics) RecordProtocolEvent(ctx context.Context, eventType string) {
	m.ProtocolEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", eventType)),
	)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordLeadCaptured is a convenience method that records a persisted lead
// counter increment.
func (m *Metrics) RecordLeadCaptured(ctx context.Context, flowID string) {
	m.LeadsCaptured.Add(ctx, 1,
		metric.WithAttributes(attribute.String("flow_id", flowID)),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
