package rca

import (
	"reflect"
	"testing"

	"github.com/ongoingai/llmops/internal/evaluator"
	"github.com/ongoingai/llmops/internal/trace"
)

func decodeRaw(t *testing.T, body string) trace.RawTrace {
	t.Helper()

	raw := trace.DecodeMap([]byte(body))
	if raw == nil {
		t.Fatalf("invalid raw trace fixture: %s", body)
	}
	return trace.RawTrace(raw)
}

func scoredRecord(name string, score float64) evaluator.Record {
	return evaluator.Record{Evaluator: name, Score: &score}
}

func TestAnalyzeRules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		raw         string
		records     []evaluator.Record
		findings    []string
		evidence    []string
		suggestions []string
	}{
		{
			name:        "retrieval failed",
			raw:         `{"provider":"groq","model":"llama-3.1-8b-instant","tokens_in":100,"tokens_out":50,"retrieval_executed":true,"documents_found":0}`,
			findings:    []string{FindingRetrievalFailed},
			evidence:    []string{"documents_found=0"},
			suggestions: []string{"Improve embeddings, chunking, or increase top_k."},
		},
		{
			name:     "weak retrieval quality",
			raw:      `{"retrieval_executed":true,"documents_found":3,"retrieval_confidence":0.25}`,
			findings: []string{FindingWeakRetrievalQuality},
			evidence: []string{"retrieval_confidence=0.25"},
		},
		{
			name:     "generation ignored context",
			raw:      `{"retrieval_executed":true,"documents_found":2,"retrieval_confidence":0.45}`,
			records:  []evaluator.Record{scoredRecord(ScoreContextRelevance, 0.1)},
			findings: []string{FindingGenerationIgnoredContext},
			evidence: []string{"context_relevance=0.1, conf=0.45"},
		},
		{
			name:     "hallucination without context",
			raw:      `{"retrieval_executed":true,"documents_found":0}`,
			records:  []evaluator.Record{scoredRecord(ScoreHallucination, 0.2)},
			findings: []string{FindingRetrievalFailed, FindingHallucinationNoContext},
			evidence: []string{"documents_found=0", "hallucination=0.2"},
		},
		{
			name:     "generation overreach",
			raw:      `{"retrieval_executed":true,"documents_found":4,"retrieval_confidence":0.8}`,
			records:  []evaluator.Record{scoredRecord(ScoreHallucination, 0.3)},
			findings: []string{FindingGenerationOverreach},
			evidence: []string{"hallucination=0.3, conf=0.8"},
		},
		{
			name:     "verbose and long",
			raw:      `{"spans":[{"type":"retrieval"},{"type":"llm","usage":{"completion_tokens":420}},{"type":"llm","usage":{"completion_tokens":5}}]}`,
			records:  []evaluator.Record{scoredRecord(ScoreConciseness, 0.2)},
			findings: []string{FindingOverVerboseAnswer, FindingExcessiveGenerationLength},
			evidence: []string{"conciseness=0.2, completion_tokens=420", "completion_tokens=420"},
		},
		{
			name:     "intent mismatch",
			raw:      `{"intent":"billing","spans":[{"type":"intent-classification","metadata":{"intent":"refund"}}]}`,
			findings: []string{FindingIntentMismatch},
			evidence: []string{"trace.intent=billing vs span.intent=refund"},
		},
		{
			name:     "matching intent is healthy",
			raw:      `{"intent":"refund","spans":[{"type":"intent-classification","metadata":{"intent":"refund"}}]}`,
			findings: []string{FindingNoAnomaly},
			evidence: []string{"All evaluator thresholds satisfied"},
		},
		{
			name: "null and failed scores are ignored",
			raw:  `{"retrieval_executed":true,"documents_found":5,"retrieval_confidence":0.9}`,
			records: []evaluator.Record{
				{Evaluator: ScoreHallucination, Status: evaluator.RecordFailed},
				scoredRecord(ScoreConciseness, 0.9),
			},
			findings:    []string{FindingNoAnomaly},
			suggestions: []string{"No action required"},
		},
		{
			name:     "span shaped retrieval",
			raw:      `{"provider":"google","spans":[{"name":"vector-search","output":{"documents":[]}}]}`,
			findings: []string{FindingRetrievalFailed},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := Analyze(decodeRaw(t, tt.raw), tt.records)
			if !reflect.DeepEqual(got.Findings, tt.findings) {
				t.Fatalf("findings=%v, want %v", got.Findings, tt.findings)
			}
			if tt.evidence != nil && !reflect.DeepEqual(got.Evidence, tt.evidence) {
				t.Fatalf("evidence=%v, want %v", got.Evidence, tt.evidence)
			}
			if tt.suggestions != nil && !reflect.DeepEqual(got.Suggestions, tt.suggestions) {
				t.Fatalf("suggestions=%v, want %v", got.Suggestions, tt.suggestions)
			}
			if len(got.Evidence) == 0 || len(got.Suggestions) == 0 {
				t.Fatalf("analysis has empty lists: %+v", got)
			}
		})
	}
}

func TestAnalyzeDeduplicatesAndIsDeterministic(t *testing.T) {
	t.Parallel()

	raw := decodeRaw(t, `{"retrieval_executed":true,"documents_found":0,"spans":[{"type":"llm","usage":{"completion_tokens":301}}]}`)
	records := []evaluator.Record{
		scoredRecord(ScoreHallucination, 0.1),
		scoredRecord(ScoreConciseness, 0.1),
	}
	first := Analyze(raw, records)
	second := Analyze(raw, records)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("Analyze is not deterministic: %+v vs %+v", first, second)
	}
	want := []string{
		FindingRetrievalFailed,
		FindingHallucinationNoContext,
		FindingOverVerboseAnswer,
		FindingExcessiveGenerationLength,
	}
	if !reflect.DeepEqual(first.Findings, want) {
		t.Fatalf("findings=%v, want %v", first.Findings, want)
	}
	if got := dedupe([]string{"a", "b", "a", "c", "b"}); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("dedupe()=%v", got)
	}
}
