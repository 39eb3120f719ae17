// Package normalize converts provider telemetry into canonical traces.
package normalize

import (
	"strings"

	"github.com/ongoingai/llmops/internal/providers"
	"github.com/ongoingai/llmops/internal/trace"
)

// Normalize builds the canonical record for raw. It never fails: missing or
// malformed fields degrade to defaults, and the same input always yields the
// same output.
func Normalize(raw trace.RawTrace) trace.CanonicalTrace {
	provider := DetectProvider(raw)
	adapter := providers.ForProvider(provider)

	model := firstString(raw, []string{"model"}, []string{"model_info", "model"})
	if model == "" {
		model = trace.Unknown
	}
	usage := adapter.ExtractUsage(raw)

	traceID := raw.ID()
	out := trace.CanonicalTrace{
		ID:               traceID,
		TraceID:          traceID,
		TraceName:        stringOr(firstString(raw, []string{"trace_name"}, []string{"name"}), trace.Unknown),
		InputText:        InputText(raw),
		OutputText:       OutputText(raw),
		RetrievedContext: nonNil(adapter.ExtractRetrievedContext(raw)),
		Session: trace.Session{
			SessionID: stringOr(firstString(raw, []string{"session_id"}, []string{"session", "session_id"}), trace.Unknown),
			UserID:    stringOr(firstString(raw, []string{"user_id"}, []string{"session", "user_id"}), trace.Unknown),
		},
		Request: trace.Request{
			Timestamp:   NormalizeTimestamp(firstValue(raw, []string{"timestamp"}, []string{"request", "timestamp"})),
			Environment: stringOr(firstString(raw, []string{"environment"}, []string{"request", "environment"}), trace.Unknown),
			Intent:      optionalString(firstString(raw, []string{"intent"}, []string{"request", "intent"})),
		},
		ModelInfo: trace.ModelInfo{
			Provider:    provider,
			Model:       model,
			Temperature: temperature(raw),
		},
		Performance: trace.Performance{
			LatencyMS: latency(raw),
			Status:    NormalizeStatus(firstValue(raw, []string{"status"}, []string{"performance", "status"})),
		},
		Usage:     usage,
		Cost:      providers.CalculateCost(model, usage.PromptTokens, usage.CompletionTokens),
		Retrieval: adapter.ExtractRetrieval(raw),
		Spans:     adapter.ExtractSpans(raw),
	}
	if out.Spans == nil {
		out.Spans = []trace.Span{}
	}
	return out
}

// DetectProvider returns the explicit provider field when set, otherwise
// infers one from the model name.
func DetectProvider(raw trace.RawTrace) string {
	if provider := strings.ToLower(firstString(raw, []string{"provider"}, []string{"model_info", "provider"})); provider != "" {
		return provider
	}
	model := strings.ToLower(firstString(raw, []string{"model"}, []string{"model_info", "model"}))
	switch {
	case strings.Contains(model, "gemini"):
		return trace.ProviderGoogle
	case strings.Contains(model, "gpt"), strings.Contains(model, "openai"):
		return trace.ProviderOpenAI
	case strings.Contains(model, "llama"):
		return trace.ProviderGroq
	default:
		return trace.ProviderUnknown
	}
}

// NormalizeStatus keeps success and failure and maps everything else to
// success.
func NormalizeStatus(value any) string {
	status, _ := value.(string)
	switch strings.ToLower(strings.TrimSpace(status)) {
	case trace.StatusFailure:
		return trace.StatusFailure
	default:
		return trace.StatusSuccess
	}
}

func latency(raw trace.RawTrace) int64 {
	if value, ok := trace.IntField(raw, "latency_ms"); ok {
		return value
	}
	value, _ := trace.IntField(trace.MapField(raw, "performance"), "latency_ms")
	return value
}

func temperature(raw trace.RawTrace) *float64 {
	for _, path := range [][]string{{"temperature"}, {"model_info", "temperature"}, {"model_parameters", "temperature"}} {
		value, ok := trace.Lookup(raw, path...)
		if !ok {
			continue
		}
		if parsed, ok := trace.CoerceFloat64(value); ok {
			return &parsed
		}
	}
	return nil
}

func firstValue(raw trace.RawTrace, paths ...[]string) any {
	for _, path := range paths {
		if value, ok := trace.Lookup(raw, path...); ok {
			return value
		}
	}
	return nil
}

func firstString(raw trace.RawTrace, paths ...[]string) string {
	for _, path := range paths {
		value, ok := trace.Lookup(raw, path...)
		if !ok {
			continue
		}
		if text, ok := value.(string); ok && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text)
		}
	}
	return ""
}

func stringOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
