package providers

import (
	"strings"

	"github.com/ongoingai/llmops/internal/trace"
)

// Kind identifies one of the fixed adapter implementations.
type Kind string

const (
	KindBase   Kind = "base"
	KindGemini Kind = "gemini"
	KindGroq   Kind = "groq"
)

// Adapter extracts typed values from one provider's raw telemetry shape.
// Implementations never fail: absent or oddly-shaped fields yield zero values.
type Adapter interface {
	Kind() Kind
	ExtractUsage(raw trace.RawTrace) trace.Usage
	ExtractRetrieval(raw trace.RawTrace) trace.Retrieval
	ExtractSpans(raw trace.RawTrace) []trace.Span
	ExtractRetrievedContext(raw trace.RawTrace) []string
}

// ForProvider maps a detected provider to its adapter. OpenAI payloads share
// the Groq shape; anything unrecognized gets the base adapter.
func ForProvider(provider string) Adapter {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case trace.ProviderGoogle:
		return GeminiAdapter{}
	case trace.ProviderGroq, trace.ProviderOpenAI:
		return GroqAdapter{}
	default:
		return BaseAdapter{}
	}
}

// Kinds lists every adapter kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindBase, KindGemini, KindGroq}
}
