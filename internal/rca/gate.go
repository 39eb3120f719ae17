package rca

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ongoingai/llmops/internal/evaluator"
	"github.com/ongoingai/llmops/internal/store"
	"github.com/ongoingai/llmops/internal/trace"
)

var ErrRawTraceMissing = errors.New("raw trace missing")

const StatusCompleted = "completed"

// Gate outcomes per trace.
const (
	OutcomePending    = "pending"
	OutcomeExists     = "exists"
	OutcomeGenerated  = "generated"
	OutcomeRawMissing = "raw_missing"
	OutcomeError      = "error"
)

// Result is the persisted RCA document, keyed "{trace_id}:rca".
type Result struct {
	ID             string   `json:"id"`
	TraceID        string   `json:"trace_id"`
	Findings       []string `json:"findings"`
	Evidence       []string `json:"evidence"`
	Suggestions    []string `json:"suggestions"`
	Status         string   `json:"status"`
	EvaluatorsUsed []string `json:"evaluators_used"`
}

func ResultID(traceID string) string {
	return traceID + ":rca"
}

// Metrics holds optional gate callbacks.
type Metrics struct {
	OnOutcome func(outcome string)
}

type GateSummary struct {
	Pending   int
	Exists    int
	Generated int
	Failed    int
	Results   []Result
}

// Gate generates at most one RCA result per trace, once the trace has an
// evaluation from every active evaluator. The required set is read on every
// call. An existing result is never regenerated, even if the required set
// has grown since.
type Gate struct {
	store   store.DocumentStore
	logger  *slog.Logger
	metrics *Metrics
}

func NewGate(docs store.DocumentStore, logger *slog.Logger, metrics *Metrics) *Gate {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if metrics == nil {
		metrics = &Metrics{}
	}
	return &Gate{store: docs, logger: logger, metrics: metrics}
}

// Process checks every trace referenced by records.
func (g *Gate) Process(ctx context.Context, records []evaluator.Record) (GateSummary, error) {
	traceIDs := make([]string, 0, len(records))
	for _, record := range records {
		traceIDs = append(traceIDs, record.TraceID)
	}
	return g.ProcessTraces(ctx, traceIDs)
}

// ProcessTraces checks each distinct trace id in order. Only a failure to
// read the required evaluator set is returned; per-trace failures are logged
// and left for the next call.
func (g *Gate) ProcessTraces(ctx context.Context, traceIDs []string) (GateSummary, error) {
	var summary GateSummary
	if len(traceIDs) == 0 {
		return summary, nil
	}
	required, err := evaluator.RequiredScoreNames(ctx, g.store)
	if err != nil {
		g.logger.Error("rca required evaluators unavailable", "failure_class", "persistence", "error", err)
		return summary, err
	}

	seen := make(map[string]struct{}, len(traceIDs))
	for _, traceID := range traceIDs {
		traceID = strings.TrimSpace(traceID)
		if traceID == "" {
			g.logger.Warn("rca skip: missing trace_id", "failure_class", "malformed_input")
			continue
		}
		if _, ok := seen[traceID]; ok {
			continue
		}
		seen[traceID] = struct{}{}

		result, outcome := g.check(ctx, traceID, required)
		if g.metrics.OnOutcome != nil {
			g.metrics.OnOutcome(outcome)
		}
		switch outcome {
		case OutcomePending:
			summary.Pending++
		case OutcomeExists:
			summary.Exists++
		case OutcomeGenerated:
			summary.Generated++
			summary.Results = append(summary.Results, result)
		default:
			summary.Failed++
		}
	}
	return summary, nil
}

func (g *Gate) check(ctx context.Context, traceID string, required []string) (Result, string) {
	records, err := evaluator.LoadRecords(ctx, g.store, traceID)
	if err != nil {
		g.logger.Error("rca evaluations unavailable", "trace_id", traceID, "failure_class", "persistence", "error", err)
		return Result{}, OutcomeError
	}
	present := make(map[string]struct{}, len(records))
	for _, record := range records {
		present[record.Evaluator] = struct{}{}
	}
	var waiting []string
	for _, name := range required {
		if _, ok := present[name]; !ok {
			waiting = append(waiting, name)
		}
	}
	if len(waiting) > 0 {
		g.logger.Info("rca waiting for evaluators", "trace_id", traceID, "missing", waiting)
		return Result{}, OutcomePending
	}

	id := ResultID(traceID)
	_, err = g.store.PointRead(ctx, store.ContainerRCAResults, id, traceID)
	switch {
	case err == nil:
		return Result{}, OutcomeExists
	case !errors.Is(err, store.ErrNotFound):
		g.logger.Error("rca existence check failed", "trace_id", traceID, "failure_class", "persistence", "error", err)
		return Result{}, OutcomeError
	}

	raw, err := LoadRawTrace(ctx, g.store, traceID)
	if err != nil {
		if errors.Is(err, ErrRawTraceMissing) {
			g.logger.Error("rca raw trace missing", "trace_id", traceID, "failure_class", "data_consistency")
			return Result{}, OutcomeRawMissing
		}
		g.logger.Error("rca raw trace unavailable", "trace_id", traceID, "failure_class", "persistence", "error", err)
		return Result{}, OutcomeError
	}

	analysis := Analyze(raw, records)
	result := Result{
		ID:             id,
		TraceID:        traceID,
		Findings:       analysis.Findings,
		Evidence:       analysis.Evidence,
		Suggestions:    analysis.Suggestions,
		Status:         StatusCompleted,
		EvaluatorsUsed: append([]string{}, required...),
	}
	doc, err := store.Encode(result)
	if err == nil {
		err = g.store.Upsert(ctx, store.ContainerRCAResults, doc)
	}
	if err != nil {
		g.logger.Error("rca persist failed",
			"trace_id", traceID,
			"failure_class", "persistence",
			"error_class", store.ClassifyError(err),
			"error", err,
		)
		return Result{}, OutcomeError
	}
	g.logger.Info("rca generated", "trace_id", traceID, "findings", result.Findings)
	return result, OutcomeGenerated
}

// LoadRawTrace reads the archived raw trace by id, then by trace_id.
func LoadRawTrace(ctx context.Context, docs store.DocumentStore, traceID string) (trace.RawTrace, error) {
	doc, err := docs.PointRead(ctx, store.ContainerRawTraces, traceID, traceID)
	if err == nil {
		return trace.RawTrace(doc), nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("read raw trace %s: %w", traceID, err)
	}
	found, err := docs.Query(ctx, store.ContainerRawTraces, store.Query{
		Filters: []store.Filter{store.Eq("trace_id", traceID)},
		Limit:   1,
	})
	if err != nil {
		return nil, fmt.Errorf("query raw trace %s: %w", traceID, err)
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRawTraceMissing, traceID)
	}
	return trace.RawTrace(found[0]), nil
}

// LoadResult returns the RCA result for traceID or store.ErrNotFound.
func LoadResult(ctx context.Context, docs store.DocumentStore, traceID string) (Result, error) {
	doc, err := docs.PointRead(ctx, store.ContainerRCAResults, ResultID(traceID), traceID)
	if err != nil {
		return Result{}, err
	}
	var result Result
	if err := store.Decode(doc, &result); err != nil {
		return Result{}, err
	}
	return result, nil
}
