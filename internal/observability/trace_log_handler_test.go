package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func decodeLogLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	return entry
}

func TestTraceLogHandlerSpanCorrelation(t *testing.T) {
	t.Parallel()

	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(tracetest.NewSpanRecorder()))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	remote := oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
		TraceID: oteltrace.TraceID{0x0a, 0xf3},
		SpanID:  oteltrace.SpanID{0x01},
		Remote:  true,
	})

	tests := []struct {
		name        string
		ctx         func() (context.Context, func())
		wantIDs     bool
		wantSampled bool
	}{
		{
			name: "recording span",
			ctx: func() (context.Context, func()) {
				ctx, span := tp.Tracer("test").Start(context.Background(), "llmops.ingest.flush")
				return ctx, func() { span.End() }
			},
			wantIDs:     true,
			wantSampled: true,
		},
		{
			name: "unsampled remote parent",
			ctx: func() (context.Context, func()) {
				return oteltrace.ContextWithRemoteSpanContext(context.Background(), remote), func() {}
			},
			wantIDs:     true,
			wantSampled: false,
		},
		{
			name: "no span",
			ctx: func() (context.Context, func()) {
				return context.Background(), func() {}
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			logger := slog.New(NewTraceLogHandler(slog.NewJSONHandler(&buf, nil)))
			ctx, end := tt.ctx()
			defer end()

			logger.InfoContext(ctx, "evaluation unit finished", "trace_id", "trace_0af3")
			entry := decodeLogLine(t, &buf)

			if got := entry["trace_id"]; got != "trace_0af3" {
				t.Fatalf("trace_id=%v, want LLM trace id left untouched", got)
			}
			traceID, hasTrace := entry["otel_trace_id"].(string)
			spanID, hasSpan := entry["otel_span_id"].(string)
			if !tt.wantIDs {
				if hasTrace || hasSpan {
					t.Fatalf("entry=%v, want no otel ids without a span", entry)
				}
				return
			}
			if len(traceID) != 32 || len(spanID) != 16 {
				t.Fatalf("otel_trace_id=%q otel_span_id=%q, want 32/16 hex chars", traceID, spanID)
			}
			if sampled, _ := entry["otel_sampled"].(bool); sampled != tt.wantSampled {
				t.Fatalf("otel_sampled=%v, want %v", entry["otel_sampled"], tt.wantSampled)
			}
		})
	}
}

func TestTraceLogHandlerDerivedHandlersKeepCorrelation(t *testing.T) {
	t.Parallel()

	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(tracetest.NewSpanRecorder()))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "llmops.request")
	defer span.End()

	var buf bytes.Buffer
	base := NewTraceLogHandler(slog.NewJSONHandler(&buf, nil))
	slog.New(base.WithAttrs([]slog.Attr{slog.String("component", "rca")})).InfoContext(ctx, "gate checked")
	entry := decodeLogLine(t, &buf)
	if entry["component"] != "rca" {
		t.Fatalf("component=%v, want rca", entry["component"])
	}
	if _, ok := entry["otel_trace_id"].(string); !ok {
		t.Fatal("otel_trace_id missing after WithAttrs")
	}

	buf.Reset()
	slog.New(base.WithGroup("aggregator")).InfoContext(ctx, "snapshot written", "total_traces", 3)
	entry = decodeLogLine(t, &buf)
	group, ok := entry["aggregator"].(map[string]any)
	if !ok {
		t.Fatalf("entry=%v, want aggregator group", entry)
	}
	if _, ok := group["otel_span_id"].(string); !ok {
		t.Fatalf("group=%v, want otel_span_id inside the group", group)
	}
}

func TestTraceLogHandlerEnabledDelegatesToInner(t *testing.T) {
	t.Parallel()

	handler := NewTraceLogHandler(slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}))
	if handler.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("Info enabled, want disabled below Warn")
	}
	if !handler.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("Error disabled, want enabled")
	}
	if NewTraceLogHandler(nil) == nil {
		t.Fatal("NewTraceLogHandler(nil) returned nil")
	}
}
