package evaluator

import (
	"context"
	"fmt"

	"github.com/ongoingai/llmops/internal/store"
)

// Record is one persisted evaluation, keyed "{trace_id}:{evaluator_id}".
// Score mirrors EnsembleScore for older readers.
type Record struct {
	ID                        string             `json:"id"`
	TraceID                   string             `json:"trace_id"`
	Evaluator                 string             `json:"evaluator"`
	EvaluatorID               string             `json:"evaluator_id"`
	TemplateID                string             `json:"template_id"`
	DeploymentsUsed           []string           `json:"deployments_used"`
	IndividualScores          map[string]float64 `json:"individual_scores"`
	IndividualClassifications map[string]string  `json:"individual_classifications"`
	EnsembleScore             *float64           `json:"ensemble_score"`
	Variance                  *float64           `json:"variance"`
	Agreement                 *float64           `json:"agreement"`
	Unstable                  bool               `json:"unstable"`
	Score                     *float64           `json:"score"`
	Classification            string             `json:"classification"`
	RawOutput                 string             `json:"raw_output"`
	Status                    string             `json:"status"`
	DurationMS                int64              `json:"duration_ms"`
	Timestamp                 string             `json:"timestamp"`
}

func (r *Record) fail(reason string) {
	r.EnsembleScore = nil
	r.Score = nil
	r.Variance = nil
	r.Agreement = nil
	r.Unstable = false
	r.Classification = ClassificationFailed
	r.Status = RecordFailed
	r.RawOutput = reason
}

// LoadRecords returns every evaluation stored for traceID ordered by
// evaluator name.
func LoadRecords(ctx context.Context, docs store.DocumentStore, traceID string) ([]Record, error) {
	found, err := docs.Query(ctx, store.ContainerEvaluations, store.Query{
		Filters: []store.Filter{store.Eq("trace_id", traceID)},
		OrderBy: "evaluator",
	})
	if err != nil {
		return nil, fmt.Errorf("load evaluations for %s: %w", traceID, err)
	}
	records := make([]Record, 0, len(found))
	for _, doc := range found {
		var record Record
		if err := store.Decode(doc, &record); err != nil {
			return nil, fmt.Errorf("decode evaluation %s: %w", doc.ID(), err)
		}
		records = append(records, record)
	}
	return records, nil
}
