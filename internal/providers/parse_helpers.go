package providers

import (
	"strconv"

	"github.com/ongoingai/llmops/internal/trace"
)

const vectorSearchSpan = "vector-search"

func rawSpans(raw trace.RawTrace) []map[string]any {
	return trace.MapSlice(raw, "spans")
}

func rawModel(raw trace.RawTrace) string {
	return trace.StringField(raw, "model")
}

func spanID(span map[string]any) string {
	if id := trace.StringField(span, "span_id"); id != "" {
		return id
	}
	if value, ok := trace.IntField(span, "span_id"); ok {
		return strconv.FormatInt(value, 10)
	}
	return trace.Unknown
}

func spanName(span map[string]any) string {
	if name := trace.StringField(span, "name"); name != "" {
		return name
	}
	return trace.Unknown
}

// spanType falls back to the span name when no explicit type is set.
func spanType(span map[string]any) string {
	if kind := trace.StringField(span, "type"); kind != "" {
		return kind
	}
	return spanName(span)
}

func spanLatency(span map[string]any) int64 {
	latency, _ := trace.IntField(span, "latency_ms")
	return latency
}

// tokenCount is FirstInt with negative counts read as zero.
func tokenCount(values map[string]any, keys ...string) int {
	return max(trace.FirstInt(values, keys...), 0)
}

// usageBlock reads prompt/completion/total counts from a usage object,
// accepting OpenAI-style and Gemini-style key names.
func usageBlock(usage map[string]any) (trace.Usage, bool) {
	if len(usage) == 0 {
		return trace.Usage{}, false
	}
	out := trace.Usage{
		PromptTokens:     tokenCount(usage, "prompt_tokens", "input_tokens", "prompt_token_count", "promptTokenCount"),
		CompletionTokens: tokenCount(usage, "completion_tokens", "output_tokens", "candidates_token_count", "candidatesTokenCount"),
		TotalTokens:      tokenCount(usage, "total_tokens", "total_token_count", "totalTokenCount"),
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = out.PromptTokens + out.CompletionTokens
	}
	return out, true
}

// topLevelUsage reads flat tokens_in/tokens_out fields. ok is false when
// neither field is present.
func topLevelUsage(raw trace.RawTrace) (trace.Usage, bool) {
	prompt, hasIn := trace.IntField(raw, "tokens_in")
	completion, hasOut := trace.IntField(raw, "tokens_out")
	if !hasIn && !hasOut {
		return trace.Usage{}, false
	}
	prompt, completion = max(prompt, 0), max(completion, 0)
	total, ok := trace.IntField(raw, "tokens")
	if !ok || total <= 0 {
		total = prompt + completion
	}
	return trace.Usage{
		PromptTokens:     int(prompt),
		CompletionTokens: int(completion),
		TotalTokens:      int(total),
	}, true
}

func providerUsage(raw trace.RawTrace) (trace.Usage, bool) {
	providerRaw := trace.MapField(raw, "provider_raw")
	if usage, ok := usageBlock(trace.MapField(providerRaw, "usage_metadata")); ok {
		return usage, true
	}
	if usage, ok := usageBlock(trace.MapField(providerRaw, "usage")); ok {
		return usage, true
	}
	return usageBlock(trace.MapField(raw, "usage"))
}

// explicitRetrieval reads the flat retrieval_executed shape.
func explicitRetrieval(raw trace.RawTrace) (trace.Retrieval, bool) {
	executed, ok := trace.BoolField(raw, "retrieval_executed")
	if !ok {
		return trace.Retrieval{}, false
	}
	documents, _ := trace.IntField(raw, "documents_found")
	out := trace.Retrieval{
		Executed:       executed,
		DocumentsFound: int(documents),
	}
	if confidence, ok := trace.FloatField(raw, "retrieval_confidence"); ok {
		out.RetrievalConfidence = &confidence
	}
	if best, ok := trace.FloatField(trace.MapField(raw, "rag_data"), "best_score"); ok {
		out.BestScore = &best
	}
	return out, true
}

// spanRetrieval reads the first vector-search or retrieval span; its
// output.documents length becomes documents_found.
func spanRetrieval(raw trace.RawTrace) (trace.Retrieval, bool) {
	for _, span := range rawSpans(raw) {
		if !isRetrievalSpan(span) {
			continue
		}
		documents := trace.MapSlice(trace.MapField(span, "output"), "documents")
		out := trace.Retrieval{
			Executed:       true,
			DocumentsFound: trace.SliceLen(trace.MapField(span, "output"), "documents"),
		}
		var (
			best  float64
			found bool
		)
		for _, doc := range documents {
			score, ok := trace.FloatField(doc, "score")
			if ok && (!found || score > best) {
				best, found = score, true
			}
		}
		if found {
			out.BestScore = &best
		}
		return out, true
	}
	return trace.Retrieval{}, false
}

func isRetrievalSpan(span map[string]any) bool {
	return trace.StringField(span, "name") == vectorSearchSpan || trace.StringField(span, "type") == "retrieval"
}

func vectorSearchContext(raw trace.RawTrace) []string {
	var contexts []string
	for _, span := range rawSpans(raw) {
		if !isRetrievalSpan(span) {
			continue
		}
		for _, doc := range trace.MapSlice(trace.MapField(span, "output"), "documents") {
			if content := trace.CleanText(trace.StringField(doc, "content")); content != "" {
				contexts = append(contexts, content)
			}
		}
	}
	return contexts
}

func ragDataContext(raw trace.RawTrace) []string {
	var contexts []string
	for _, doc := range trace.MapSlice(trace.MapField(raw, "rag_data"), "retrieved_documents") {
		content := trace.StringField(doc, "content")
		if content == "" {
			content = trace.StringField(doc, "content_preview")
		}
		if content = trace.CleanText(content); content != "" {
			contexts = append(contexts, content)
		}
	}
	return contexts
}
