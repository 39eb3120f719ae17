package observability

import (
	"context"
	"log/slog"

	oteltrace "go.opentelemetry.io/otel/trace"
)

// traceLogHandler stamps records with the OpenTelemetry span context found in
// the logging context. Keys carry an otel_ prefix because pipeline logs
// already use trace_id for the LLM trace being processed.
type traceLogHandler struct {
	inner slog.Handler
}

// NewTraceLogHandler wraps inner, or slog.Default().Handler() when nil.
func NewTraceLogHandler(inner slog.Handler) slog.Handler {
	if inner == nil {
		inner = slog.Default().Handler()
	}
	return &traceLogHandler{inner: inner}
}

// spanLogAttrs returns the span correlation attributes for ctx. Remote parents
// that were not sampled locally still correlate, flagged otel_sampled=false.
func spanLogAttrs(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return nil
	}
	return []slog.Attr{
		slog.String("otel_trace_id", sc.TraceID().String()),
		slog.String("otel_span_id", sc.SpanID().String()),
		slog.Bool("otel_sampled", sc.IsSampled()),
	}
}

func (h *traceLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *traceLogHandler) Handle(ctx context.Context, record slog.Record) error {
	if attrs := spanLogAttrs(ctx); len(attrs) > 0 {
		record = record.Clone()
		record.AddAttrs(attrs...)
	}
	return h.inner.Handle(ctx, record)
}

func (h *traceLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceLogHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *traceLogHandler) WithGroup(name string) slog.Handler {
	return &traceLogHandler{inner: h.inner.WithGroup(name)}
}
