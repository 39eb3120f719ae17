// Package ingest archives raw traces, normalizes them and hands the batch to
// evaluation and RCA.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/ongoingai/llmops/internal/evaluator"
	"github.com/ongoingai/llmops/internal/normalize"
	"github.com/ongoingai/llmops/internal/rca"
	"github.com/ongoingai/llmops/internal/store"
	"github.com/ongoingai/llmops/internal/trace"
)

// Evaluator runs active evaluators over canonical traces.
type Evaluator interface {
	Run(ctx context.Context, traces []trace.CanonicalTrace) (evaluator.RunSummary, error)
}

// RCAGate triggers RCA for traces referenced by new evaluation records.
type RCAGate interface {
	Process(ctx context.Context, records []evaluator.Record) (rca.GateSummary, error)
	ProcessTraces(ctx context.Context, traceIDs []string) (rca.GateSummary, error)
}

// PipelineMetrics holds optional per-stage callbacks.
type PipelineMetrics struct {
	OnNormalized func(provider string)
	// OnPersistFailure is called with the container and store error class.
	OnPersistFailure func(container, errorClass string)
}

type BatchResult struct {
	Received   int
	Stored     int
	Failed     int
	TraceIDs   []string
	Evaluation evaluator.RunSummary
	RCA        rca.GateSummary
}

// Pipeline is one synchronous pass: archive raw, normalize, persist canonical,
// evaluate, then gate RCA. Evaluator and gate are optional.
type Pipeline struct {
	store   store.DocumentStore
	engine  Evaluator
	gate    RCAGate
	logger  *slog.Logger
	metrics *PipelineMetrics
}

func NewPipeline(docs store.DocumentStore, engine Evaluator, gate RCAGate, logger *slog.Logger, metrics *PipelineMetrics) *Pipeline {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if metrics == nil {
		metrics = &PipelineMetrics{}
	}
	return &Pipeline{store: docs, engine: engine, gate: gate, logger: logger, metrics: metrics}
}

// IngestBatch processes batch. The returned error joins per-trace persistence
// failures; those traces are counted in Failed and skipped by later stages.
// Evaluation and RCA failures are logged, never returned.
func (p *Pipeline) IngestBatch(ctx context.Context, batch []trace.RawTrace) (BatchResult, error) {
	result := BatchResult{Received: len(batch)}
	canonical := make([]trace.CanonicalTrace, 0, len(batch))
	var errs []error
	for _, raw := range batch {
		if raw == nil {
			continue
		}
		item, err := p.persist(ctx, raw)
		if err != nil {
			result.Failed++
			errs = append(errs, err)
			continue
		}
		canonical = append(canonical, item)
		result.TraceIDs = append(result.TraceIDs, item.TraceID)
	}
	result.Stored = len(canonical)

	if p.engine != nil && len(canonical) > 0 {
		summary, err := p.engine.Run(ctx, canonical)
		if err != nil {
			p.logger.Error("evaluation stage failed", "failure_class", "persistence", "trace_count", len(canonical), "error", err)
		}
		result.Evaluation = summary
	}
	// Every stored trace goes through the gate, not only those evaluated in
	// this run, so a redelivered trace retries an RCA write that failed.
	if p.gate != nil && len(result.TraceIDs) > 0 {
		summary, err := p.gate.ProcessTraces(ctx, result.TraceIDs)
		if err != nil {
			p.logger.Error("rca stage failed", "failure_class", "persistence", "error", err)
		}
		result.RCA = summary
	}

	p.logger.Info("ingest batch processed",
		"received", result.Received,
		"stored", result.Stored,
		"failed", result.Failed,
		"evaluations", result.Evaluation.Persisted,
		"rca_generated", result.RCA.Generated,
	)
	return result, errors.Join(errs...)
}

// persist archives one raw trace and writes its canonical form.
func (p *Pipeline) persist(ctx context.Context, raw trace.RawTrace) (trace.CanonicalTrace, error) {
	archived := Archive(raw)
	traceID := archived.ID()
	if err := p.upsert(ctx, store.ContainerRawTraces, store.Document(archived)); err != nil {
		return trace.CanonicalTrace{}, fmt.Errorf("archive raw trace %s: %w", traceID, err)
	}

	item := normalize.Normalize(archived)
	if p.metrics.OnNormalized != nil {
		p.metrics.OnNormalized(item.ModelInfo.Provider)
	}
	doc, err := store.Encode(item)
	if err != nil {
		return trace.CanonicalTrace{}, err
	}
	if err := p.upsert(ctx, store.ContainerTraces, doc); err != nil {
		return trace.CanonicalTrace{}, fmt.Errorf("write trace %s: %w", traceID, err)
	}
	return item, nil
}

func (p *Pipeline) upsert(ctx context.Context, container string, doc store.Document) error {
	err := p.store.Upsert(ctx, container, doc)
	if err == nil {
		return nil
	}
	class := store.ClassifyError(err)
	p.logger.Error("ingest write failed",
		"container", container,
		"id", doc.ID(),
		"failure_class", "persistence",
		"error_class", class,
		"error", err,
	)
	if p.metrics.OnPersistFailure != nil {
		p.metrics.OnPersistFailure(container, class)
	}
	return err
}

// Archive returns a shallow copy of raw keyed by its trace id, minting one
// when the payload carries neither trace_id nor id. A differing source id is
// kept under source_id.
func Archive(raw trace.RawTrace) trace.RawTrace {
	out := make(trace.RawTrace, len(raw)+2)
	for key, value := range raw {
		out[key] = value
	}
	traceID := raw.ID()
	if traceID == "" {
		traceID = NewTraceID()
	}
	if sourceID := strings.TrimSpace(trace.StringField(raw, "id")); sourceID != "" && sourceID != traceID {
		out["source_id"] = sourceID
	}
	out["id"] = traceID
	out["trace_id"] = traceID
	return out
}

func NewTraceID() string {
	return "trace_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
