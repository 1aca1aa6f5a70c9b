package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope for all voxflow spans.
const tracerName = "github.com/voxflow/voxflow"

// Tracer returns the voxflow tracer from the globally registered
// [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan opens a span under any span already in ctx. The caller must call
// span.End().
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartCallSpan opens the root span of one live call, carrying the call and
// flow identity. Stage spans (session establishment, flow steps, knowledge
// retrieval, reply generation) nest under it, and its trace ID doubles as the
// call's correlation ID in logs.
func StartCallSpan(ctx context.Context, callID, flowID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "call",
		trace.WithAttributes(
			attribute.String("call.id", callID),
			attribute.String("flow.id", flowID),
		))
}

// CorrelationID returns the trace ID of the active span in ctx, or the empty
// string when there is none. Call drivers stamp it on their log lines so one
// call's records line up across the session, flow, and provider layers.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] carrying trace_id and span_id from the
// active span in ctx, or the default logger unchanged when no span is active.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
