package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/parley"

type interviewKey struct{}

// Tracer returns the Parley tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// WithInterview tags ctx with an interview id. Spans started with
// [StartSpan] and loggers from [Logger] pick it up.
func WithInterview(ctx context.Context, interviewID string) context.Context {
	if interviewID == "" {
		return ctx
	}
	return context.WithValue(ctx, interviewKey{}, interviewID)
}

// InterviewID returns the id set by [WithInterview], or "".
func InterviewID(ctx context.Context) string {
	id, _ := ctx.Value(interviewKey{}).(string)
	return id
}

// StartSpan starts a span named name. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if id := InterviewID(ctx); id != "" {
		opts = append(opts, trace.WithAttributes(attribute.String("interview.id", id)))
	}
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the trace id of the span in ctx, or "" without one.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with the interview id and the active
// span's trace_id and span_id attached, when ctx has them.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if id := InterviewID(ctx); id != "" {
		attrs = append(attrs, slog.String("interview_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}

// InterviewAttrs tags a span with the interview it belongs to and the turn
// mode ("realtime", "batch" or "text").
func InterviewAttrs(interviewID, mode string) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String("interview.id", interviewID),
		attribute.String("interview.mode", mode),
	)
}
