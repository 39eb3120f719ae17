// Package analytics builds the periodic KPI snapshot over stored traces and
// evaluations.
package analytics

import (
	"math"
	"sort"
	"strings"

	"github.com/ongoingai/llmops/internal/evaluator"
	"github.com/ongoingai/llmops/internal/providers"
	"github.com/ongoingai/llmops/internal/trace"
)

// SnapshotID is the id of the single metrics document; each run overwrites it.
const SnapshotID = "metrics_snapshot"

type EvaluationStats struct {
	Count    int     `json:"count"`
	AvgScore float64 `json:"avg_score"`
}

type Snapshot struct {
	ID                  string                     `json:"id"`
	GeneratedAt         string                     `json:"generated_at"`
	TotalTraces         int                        `json:"total_traces"`
	TotalSessions       int                        `json:"total_sessions"`
	TotalUsers          int                        `json:"total_users"`
	AvgTracesPerSession float64                    `json:"avg_traces_per_session"`
	AvgLatencyMS        float64                    `json:"avg_latency_ms"`
	TotalTokens         int64                      `json:"total_tokens"`
	TotalCost           float64                    `json:"total_cost"`
	TokensByModel       map[string]int64           `json:"tokens_by_model"`
	CostByModel         map[string]float64         `json:"cost_by_model"`
	TraceCountByModel   map[string]int             `json:"trace_count_by_model"`
	TraceCountByName    map[string]int             `json:"trace_count_by_name"`
	CostByTraceName     map[string]float64         `json:"cost_by_trace_name"`
	TokensByTraceName   map[string]int64           `json:"tokens_by_trace_name"`
	EvaluationSummary   map[string]EvaluationStats `json:"evaluation_summary"`
}

// Compute folds traces and evaluation records into a snapshot. Sessions and
// users count distinct known ids. Evaluations are keyed by evaluator_id, then
// evaluator name; one score per trace and key is counted and null scores are
// skipped. generatedAt is stamped by the caller.
func Compute(traces []trace.CanonicalTrace, records []evaluator.Record, generatedAt string) Snapshot {
	out := Snapshot{
		ID:                SnapshotID,
		GeneratedAt:       generatedAt,
		TotalTraces:       len(traces),
		TokensByModel:     map[string]int64{},
		CostByModel:       map[string]float64{},
		TraceCountByModel: map[string]int{},
		TraceCountByName:  map[string]int{},
		CostByTraceName:   map[string]float64{},
		TokensByTraceName: map[string]int64{},
		EvaluationSummary: map[string]EvaluationStats{},
	}

	sessions := make(map[string]struct{})
	users := make(map[string]struct{})
	var totalLatency int64
	var totalCost float64
	for _, t := range traces {
		tokens := int64(t.Usage.TotalTokens)
		cost := t.Cost.TotalCostUSD
		out.TotalTokens += tokens
		totalCost += cost
		totalLatency += t.Performance.LatencyMS

		model := knownOr(t.ModelInfo.Model)
		out.TokensByModel[model] += tokens
		out.CostByModel[model] += cost
		out.TraceCountByModel[model]++

		name := knownOr(t.TraceName)
		out.TraceCountByName[name]++
		out.CostByTraceName[name] += cost
		out.TokensByTraceName[name] += tokens

		if id := known(t.Session.SessionID); id != "" {
			sessions[id] = struct{}{}
		}
		if id := known(t.Session.UserID); id != "" {
			users[id] = struct{}{}
		}
	}
	for model, cost := range out.CostByModel {
		out.CostByModel[model] = providers.RoundUSD(cost)
	}
	for name, cost := range out.CostByTraceName {
		out.CostByTraceName[name] = providers.RoundUSD(cost)
	}

	out.TotalSessions = len(sessions)
	out.TotalUsers = len(users)
	out.TotalCost = providers.RoundUSD(totalCost)
	if out.TotalSessions > 0 {
		out.AvgTracesPerSession = round(float64(out.TotalTraces)/float64(out.TotalSessions), 2)
	}
	if out.TotalTraces > 0 {
		out.AvgLatencyMS = round(float64(totalLatency)/float64(out.TotalTraces), 2)
	}
	out.EvaluationSummary = summarizeEvaluations(records)
	return out
}

func summarizeEvaluations(records []evaluator.Record) map[string]EvaluationStats {
	// Last record wins per (trace, evaluator key), in stable id order.
	sorted := append([]evaluator.Record(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	type key struct{ traceID, evaluator string }
	latest := make(map[key]*float64)
	for _, record := range sorted {
		name := strings.TrimSpace(record.EvaluatorID)
		if name == "" {
			name = strings.TrimSpace(record.Evaluator)
		}
		if record.TraceID == "" || name == "" {
			continue
		}
		latest[key{record.TraceID, name}] = record.Score
	}

	sums := make(map[string]float64)
	counts := make(map[string]int)
	for k, score := range latest {
		if score == nil {
			continue
		}
		sums[k.evaluator] += *score
		counts[k.evaluator]++
	}
	out := make(map[string]EvaluationStats, len(counts))
	for name, count := range counts {
		out[name] = EvaluationStats{Count: count, AvgScore: round(sums[name]/float64(count), 3)}
	}
	return out
}

func known(value string) string {
	value = strings.TrimSpace(value)
	if value == trace.Unknown {
		return ""
	}
	return value
}

func knownOr(value string) string {
	if value = strings.TrimSpace(value); value == "" {
		return trace.Unknown
	}
	return value
}

func round(value float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(value*scale) / scale
}
