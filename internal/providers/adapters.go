package providers

import "github.com/ongoingai/llmops/internal/trace"

// BaseAdapter handles unrecognized providers. Only span identity and latency
// survive; usage and retrieval stay zero.
type BaseAdapter struct{}

func (BaseAdapter) Kind() Kind { return KindBase }

func (BaseAdapter) ExtractUsage(trace.RawTrace) trace.Usage { return trace.Usage{} }

func (BaseAdapter) ExtractRetrieval(trace.RawTrace) trace.Retrieval { return trace.Retrieval{} }

func (BaseAdapter) ExtractRetrievedContext(trace.RawTrace) []string { return nil }

func (BaseAdapter) ExtractSpans(raw trace.RawTrace) []trace.Span {
	spans := make([]trace.Span, 0)
	for _, span := range rawSpans(raw) {
		spans = append(spans, trace.Span{
			SpanID:    spanID(span),
			Type:      spanType(span),
			Name:      spanName(span),
			LatencyMS: spanLatency(span),
		})
	}
	return spans
}

// geminiGenerationSpans are the span names that carry model cost.
var geminiGenerationSpans = map[string]struct{}{
	"generate-response": {},
	"llm":               {},
	"generation":        {},
}

// GeminiAdapter reads Google telemetry: flat token counters, per-span
// metadata counters and vector-search spans.
type GeminiAdapter struct{}

func (GeminiAdapter) Kind() Kind { return KindGemini }

func (GeminiAdapter) ExtractUsage(raw trace.RawTrace) trace.Usage {
	if usage, ok := topLevelUsage(raw); ok {
		return usage
	}
	usage, _ := providerUsage(raw)
	return usage
}

func (GeminiAdapter) ExtractRetrieval(raw trace.RawTrace) trace.Retrieval {
	if retrieval, ok := explicitRetrieval(raw); ok {
		return retrieval
	}
	retrieval, _ := spanRetrieval(raw)
	return retrieval
}

func (GeminiAdapter) ExtractSpans(raw trace.RawTrace) []trace.Span {
	model := rawModel(raw)
	spans := make([]trace.Span, 0)
	for _, span := range rawSpans(raw) {
		metadata := trace.MapField(span, "metadata")
		prompt := tokenCount(metadata, "tokens_in")
		completion := tokenCount(metadata, "tokens_out")
		if prompt == 0 && completion == 0 {
			if usage, ok := usageBlock(trace.MapField(span, "usage")); ok {
				prompt, completion = usage.PromptTokens, usage.CompletionTokens
			}
		}

		name := spanName(span)
		out := trace.Span{
			SpanID:           spanID(span),
			Type:             name,
			Name:             name,
			LatencyMS:        spanLatency(span),
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		}
		if _, ok := geminiGenerationSpans[name]; ok {
			out.CostUSD = CalculateSpanCost(model, prompt, completion)
		}
		spans = append(spans, out)
	}
	return spans
}

func (GeminiAdapter) ExtractRetrievedContext(raw trace.RawTrace) []string {
	if contexts := vectorSearchContext(raw); len(contexts) > 0 {
		return contexts
	}
	return ragDataContext(raw)
}

// GroqAdapter reads Groq and OpenAI-compatible telemetry: usage blocks on
// llm spans, flat retrieval fields and rag_data documents.
type GroqAdapter struct{}

func (GroqAdapter) Kind() Kind { return KindGroq }

// ExtractUsage prefers the first llm span with a usage block, then the
// provider response usage, then flat tokens_in/tokens_out counters.
func (GroqAdapter) ExtractUsage(raw trace.RawTrace) trace.Usage {
	for _, span := range rawSpans(raw) {
		if trace.StringField(span, "type") != "llm" {
			continue
		}
		if usage, ok := usageBlock(trace.MapField(span, "usage")); ok {
			return usage
		}
	}
	if usage, ok := providerUsage(raw); ok {
		return usage
	}
	usage, _ := topLevelUsage(raw)
	return usage
}

func (GroqAdapter) ExtractRetrieval(raw trace.RawTrace) trace.Retrieval {
	if retrieval, ok := explicitRetrieval(raw); ok {
		return retrieval
	}
	retrieval, _ := spanRetrieval(raw)
	return retrieval
}

func (GroqAdapter) ExtractSpans(raw trace.RawTrace) []trace.Span {
	model := rawModel(raw)
	spans := make([]trace.Span, 0)
	for _, span := range rawSpans(raw) {
		usage := trace.MapField(span, "usage")
		out := trace.Span{
			SpanID:           spanID(span),
			Type:             spanType(span),
			Name:             spanName(span),
			LatencyMS:        spanLatency(span),
			PromptTokens:     tokenCount(usage, "prompt_tokens"),
			CompletionTokens: tokenCount(usage, "completion_tokens"),
			TotalTokens:      tokenCount(usage, "total_tokens"),
		}
		if out.Type == "llm" {
			out.CostUSD = CalculateSpanCost(model, out.PromptTokens, out.CompletionTokens)
		}
		spans = append(spans, out)
	}
	return spans
}

func (GroqAdapter) ExtractRetrievedContext(raw trace.RawTrace) []string {
	if contexts := ragDataContext(raw); len(contexts) > 0 {
		return contexts
	}
	return vectorSearchContext(raw)
}
