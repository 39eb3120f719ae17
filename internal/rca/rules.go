// Package rca diagnoses likely root causes for a trace once every required
// evaluator has scored it.
package rca

import (
	"fmt"
	"strconv"

	"github.com/ongoingai/llmops/internal/evaluator"
	"github.com/ongoingai/llmops/internal/normalize"
	"github.com/ongoingai/llmops/internal/trace"
)

// Findings.
const (
	FindingRetrievalFailed           = "retrieval_failed"
	FindingWeakRetrievalQuality      = "weak_retrieval_quality"
	FindingGenerationIgnoredContext  = "generation_ignored_context"
	FindingHallucinationNoContext    = "hallucination_due_to_no_context"
	FindingGenerationOverreach       = "generation_overreach"
	FindingOverVerboseAnswer         = "over_verbose_answer"
	FindingExcessiveGenerationLength = "excessive_generation_length"
	FindingIntentMismatch            = "intent_mismatch"
	FindingNoAnomaly                 = "no_anomaly_detected"
)

// Evaluator score names the rules read.
const (
	ScoreContextRelevance = "context_relevance"
	ScoreHallucination    = "hallucination"
	ScoreConciseness      = "conciseness"
)

const (
	weakRetrievalConfidence  = 0.4
	ignoredContextRelevance  = 0.3
	hallucinationThreshold   = 0.4
	overreachConfidence      = 0.5
	concisenessThreshold     = 0.4
	excessiveCompletionToken = 300
)

// Analysis is the ordered outcome of every rule. The three lists are never
// empty.
type Analysis struct {
	Findings    []string
	Evidence    []string
	Suggestions []string
}

func (a *Analysis) add(finding, evidence, suggestion string) {
	a.Findings = append(a.Findings, finding)
	a.Evidence = append(a.Evidence, evidence)
	a.Suggestions = append(a.Suggestions, suggestion)
}

type signals struct {
	retrievalExecuted   bool
	documentsFound      int64
	retrievalConfidence float64
	completionTokens    int64
	scores              map[string]*float64
}

// Analyze runs the rules in fixed order over the raw trace and its
// evaluation records. It is pure: rules read only their inputs and never
// each other's conclusions.
func Analyze(raw trace.RawTrace, records []evaluator.Record) Analysis {
	s := readSignals(raw, records)
	var out Analysis

	if s.retrievalExecuted && s.documentsFound == 0 {
		out.add(FindingRetrievalFailed,
			"documents_found=0",
			"Improve embeddings, chunking, or increase top_k.")
	}

	if s.documentsFound > 0 && s.retrievalConfidence < weakRetrievalConfidence {
		out.add(FindingWeakRetrievalQuality,
			"retrieval_confidence="+formatFloat(s.retrievalConfidence),
			"Use reranker or improve embedding model.")
	}

	if score := s.scores[ScoreContextRelevance]; score != nil &&
		*score < ignoredContextRelevance && s.documentsFound > 0 && s.retrievalConfidence >= weakRetrievalConfidence {
		out.add(FindingGenerationIgnoredContext,
			fmt.Sprintf("context_relevance=%s, conf=%s", formatFloat(*score), formatFloat(s.retrievalConfidence)),
			"Strengthen grounding instructions or enforce citations.")
	}

	if score := s.scores[ScoreHallucination]; score != nil && *score < hallucinationThreshold {
		switch {
		case s.documentsFound == 0:
			out.add(FindingHallucinationNoContext,
				"hallucination="+formatFloat(*score),
				"Force refusal when no documents are retrieved.")
		case s.retrievalConfidence >= overreachConfidence:
			out.add(FindingGenerationOverreach,
				fmt.Sprintf("hallucination=%s, conf=%s", formatFloat(*score), formatFloat(s.retrievalConfidence)),
				"Reduce temperature or enforce stricter grounding.")
		}
	}

	if score := s.scores[ScoreConciseness]; score != nil && *score < concisenessThreshold {
		out.add(FindingOverVerboseAnswer,
			fmt.Sprintf("conciseness=%s, completion_tokens=%d", formatFloat(*score), s.completionTokens),
			"Add stricter brevity constraints in prompt.")
	}

	if s.completionTokens > excessiveCompletionToken {
		out.add(FindingExcessiveGenerationLength,
			fmt.Sprintf("completion_tokens=%d", s.completionTokens),
			"Limit max_tokens or enforce concise output.")
	}

	if spanIntent, traceIntent, ok := intentMismatch(raw); ok {
		out.add(FindingIntentMismatch,
			fmt.Sprintf("trace.intent=%s vs span.intent=%s", traceIntent, spanIntent),
			"Investigate classifier consistency.")
	}

	out.Findings = dedupe(out.Findings)
	out.Evidence = dedupe(out.Evidence)
	out.Suggestions = dedupe(out.Suggestions)

	if len(out.Findings) == 0 {
		out.add(FindingNoAnomaly, "All evaluator thresholds satisfied", "No action required")
	}
	return out
}

// readSignals prefers the flat retrieval fields on the raw trace and falls
// back to the normalized retrieval view when none are present.
func readSignals(raw trace.RawTrace, records []evaluator.Record) signals {
	s := signals{scores: make(map[string]*float64, len(records))}
	for _, record := range records {
		if record.Evaluator == "" {
			continue
		}
		s.scores[record.Evaluator] = record.Score
	}

	executed, hasExecuted := trace.BoolField(raw, "retrieval_executed")
	documents, hasDocuments := trace.IntField(raw, "documents_found")
	confidence, hasConfidence := trace.FloatField(raw, "retrieval_confidence")
	if hasExecuted || hasDocuments || hasConfidence {
		s.retrievalExecuted = executed
		s.documentsFound = documents
		s.retrievalConfidence = confidence
	} else {
		retrieval := normalize.Normalize(raw).Retrieval
		s.retrievalExecuted = retrieval.Executed
		s.documentsFound = int64(retrieval.DocumentsFound)
		if retrieval.RetrievalConfidence != nil {
			s.retrievalConfidence = *retrieval.RetrievalConfidence
		}
	}

	for _, span := range trace.MapSlice(raw, "spans") {
		if trace.StringField(span, "type") != "llm" {
			continue
		}
		s.completionTokens, _ = trace.IntField(trace.MapField(span, "usage"), "completion_tokens")
		break
	}
	return s
}

func intentMismatch(raw trace.RawTrace) (spanIntent, traceIntent string, ok bool) {
	for _, span := range trace.MapSlice(raw, "spans") {
		if trace.StringField(span, "type") != "intent-classification" {
			continue
		}
		spanIntent = trace.StringField(trace.MapField(span, "metadata"), "intent")
		if spanIntent == "" {
			return "", "", false
		}
		traceIntent = trace.StringField(raw, "intent")
		if traceIntent == spanIntent {
			return "", "", false
		}
		if traceIntent == "" {
			traceIntent = "none"
		}
		return spanIntent, traceIntent, true
	}
	return "", "", false
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
