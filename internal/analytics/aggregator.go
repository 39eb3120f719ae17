package analytics

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ongoingai/llmops/internal/evaluator"
	"github.com/ongoingai/llmops/internal/store"
	"github.com/ongoingai/llmops/internal/trace"
)

const DefaultInterval = 5 * time.Minute

// Aggregator recomputes the metrics snapshot from the traces and evaluations
// containers and upserts it into the metrics container.
type Aggregator struct {
	store  store.DocumentStore
	logger *slog.Logger
	now    func() time.Time
}

func NewAggregator(docs store.DocumentStore, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Aggregator{store: docs, logger: logger, now: time.Now}
}

// Run builds and persists one snapshot. An empty traces container leaves the
// previous snapshot untouched and returns ok=false.
func (a *Aggregator) Run(ctx context.Context) (Snapshot, bool, error) {
	traceDocs, err := a.store.Query(ctx, store.ContainerTraces, store.Query{})
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("load traces: %w", err)
	}
	if len(traceDocs) == 0 {
		return Snapshot{}, false, nil
	}
	traces := make([]trace.CanonicalTrace, 0, len(traceDocs))
	for _, doc := range traceDocs {
		var t trace.CanonicalTrace
		if err := store.Decode(doc, &t); err != nil {
			a.logger.Warn("aggregator skip trace", "id", doc.ID(), "failure_class", "malformed_input", "error", err)
			continue
		}
		traces = append(traces, t)
	}

	evalDocs, err := a.store.Query(ctx, store.ContainerEvaluations, store.Query{})
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("load evaluations: %w", err)
	}
	records := make([]evaluator.Record, 0, len(evalDocs))
	for _, doc := range evalDocs {
		var record evaluator.Record
		if err := store.Decode(doc, &record); err != nil {
			a.logger.Warn("aggregator skip evaluation", "id", doc.ID(), "failure_class", "malformed_input", "error", err)
			continue
		}
		records = append(records, record)
	}

	snapshot := Compute(traces, records, a.now().UTC().Format(time.RFC3339Nano))
	doc, err := store.Encode(snapshot)
	if err != nil {
		return Snapshot{}, false, err
	}
	if err := a.store.Upsert(ctx, store.ContainerMetrics, doc); err != nil {
		return Snapshot{}, false, fmt.Errorf("write metrics snapshot: %w", err)
	}
	a.logger.Info("metrics snapshot written",
		"total_traces", snapshot.TotalTraces,
		"total_sessions", snapshot.TotalSessions,
		"evaluators", len(snapshot.EvaluationSummary),
	)
	return snapshot, true, nil
}

// RunEvery runs the aggregator on a fixed interval until ctx is done. Failed
// runs are logged and retried on the next tick.
func (a *Aggregator) RunEvery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := a.Run(ctx); err != nil {
				a.logger.Error("metrics aggregation failed",
					"failure_class", "persistence",
					"error_class", store.ClassifyError(err),
					"error", err,
				)
			}
		}
	}
}

// Latest reads the current snapshot or store.ErrNotFound.
func Latest(ctx context.Context, docs store.DocumentStore) (Snapshot, error) {
	doc, err := docs.PointRead(ctx, store.ContainerMetrics, SnapshotID, SnapshotID)
	if err != nil {
		return Snapshot{}, err
	}
	var snapshot Snapshot
	if err := store.Decode(doc, &snapshot); err != nil {
		return Snapshot{}, err
	}
	return snapshot, nil
}
