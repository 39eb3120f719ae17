package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ongoingai/llmops/internal/audit"
	"github.com/ongoingai/llmops/internal/llm"
	"github.com/ongoingai/llmops/internal/normalize"
	"github.com/ongoingai/llmops/internal/store"
	"github.com/ongoingai/llmops/internal/trace"
)

const (
	defaultWorkers    = 4
	defaultDeployment = "default"
	auditActionRun    = "Evaluator Run Completed"
)

// Unit outcomes reported through Metrics.OnUnit.
const (
	UnitPersisted  = "persisted"
	UnitSampledOut = "sampled_out"
	UnitExists     = "exists"
	UnitReadError  = "read_error"
	UnitWriteError = "write_error"
	UnitNoTraceID  = "no_trace_id"
)

// Auditor receives one summary event per evaluator run.
type Auditor interface {
	Log(ctx context.Context, event audit.Event)
}

// Metrics holds optional callbacks invoked as units finish.
type Metrics struct {
	// OnUnit is called once per (trace, evaluator) unit with its outcome.
	OnUnit func(evaluator, outcome string)
	// OnRecord is called for every persisted record.
	OnRecord func(evaluator, status string, duration time.Duration)
}

type Options struct {
	Workers                  int
	DefaultDeployment        string
	DefaultVarianceThreshold float64
	Sampler                  Sampler
	Registry                 *Registry
	Audit                    Auditor
	Logger                   *slog.Logger
	Metrics                  *Metrics
}

// Engine evaluates batches of canonical traces against the active
// evaluators. Each (trace, evaluator) unit is independent: its failure is
// logged and never stops the batch.
type Engine struct {
	store             store.DocumentStore
	completer         llm.Completer
	registry          *Registry
	sampler           Sampler
	auditor           Auditor
	logger            *slog.Logger
	metrics           *Metrics
	workers           int
	defaultDeployment string
	varianceThreshold float64
	now               func() time.Time
}

func NewEngine(docs store.DocumentStore, completer llm.Completer, opts Options) (*Engine, error) {
	if docs == nil {
		return nil, errors.New("evaluator engine requires a document store")
	}
	if completer == nil {
		return nil, errors.New("evaluator engine requires an llm completer")
	}
	e := &Engine{
		store:             docs,
		completer:         completer,
		registry:          opts.Registry,
		sampler:           opts.Sampler,
		auditor:           opts.Audit,
		logger:            opts.Logger,
		metrics:           opts.Metrics,
		workers:           opts.Workers,
		defaultDeployment: strings.TrimSpace(opts.DefaultDeployment),
		varianceThreshold: opts.DefaultVarianceThreshold,
		now:               time.Now,
	}
	if e.registry == nil {
		e.registry = DefaultRegistry()
	}
	if e.sampler == nil {
		e.sampler = DeterministicSampler{}
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if e.metrics == nil {
		e.metrics = &Metrics{}
	}
	if e.workers <= 0 {
		e.workers = defaultWorkers
	}
	if e.varianceThreshold <= 0 {
		e.varianceThreshold = DefaultVarianceThreshold
	}
	return e, nil
}

// RunSummary counts unit outcomes across every evaluator in one run.
type RunSummary struct {
	Evaluators int
	Persisted  int
	Skipped    int
	Failed     int
	Records    []Record
}

// Run evaluates traces against every active evaluator. Evaluators are read
// fresh on each call. The only returned error is a failure to load them.
func (e *Engine) Run(ctx context.Context, traces []trace.CanonicalTrace) (RunSummary, error) {
	var summary RunSummary
	if len(traces) == 0 {
		return summary, nil
	}
	configs, err := LoadActive(ctx, e.store, e.logger)
	if err != nil {
		e.logger.Error("evaluator load failed", "failure_class", "persistence", "error", err)
		return summary, err
	}
	if len(configs) == 0 {
		e.logger.Warn("no active evaluators found", "trace_count", len(traces))
		return summary, nil
	}

	e.logger.Info("evaluating traces", "trace_count", len(traces), "evaluator_count", len(configs))
	for _, cfg := range configs {
		if ctx.Err() != nil {
			break
		}
		results, ok := e.runEvaluator(ctx, cfg, traces)
		if !ok {
			continue
		}
		summary.Evaluators++
		for _, result := range results {
			switch result.outcome {
			case UnitPersisted:
				summary.Persisted++
				summary.Records = append(summary.Records, *result.record)
			case UnitSampledOut, UnitExists, UnitNoTraceID:
				summary.Skipped++
			default:
				summary.Failed++
			}
		}
	}
	return summary, nil
}

type unitResult struct {
	outcome string
	record  *Record
}

func (e *Engine) runEvaluator(ctx context.Context, cfg Config, traces []trace.CanonicalTrace) ([]unitResult, bool) {
	scorer, err := e.resolveScorer(ctx, cfg)
	if err != nil {
		e.logger.Warn("skipping evaluator for batch",
			"evaluator_id", cfg.ID,
			"failure_class", "configuration",
			"error", err,
		)
		return nil, false
	}

	results := make([]unitResult, len(traces))
	var group errgroup.Group
	group.SetLimit(e.workers)
	for i, item := range traces {
		group.Go(func() error {
			results[i] = e.runUnit(ctx, cfg, scorer, item)
			return nil
		})
	}
	_ = group.Wait()

	persisted := 0
	for _, result := range results {
		if result.outcome == UnitPersisted {
			persisted++
		}
	}
	if e.auditor != nil {
		e.auditor.Log(ctx, audit.Event{
			Action:  auditActionRun,
			Type:    audit.TypeEvaluator,
			User:    audit.UserSystem,
			Details: fmt.Sprintf("Ran evaluator '%s' on %d/%d traces", cfg.ID, persisted, len(traces)),
		})
	}
	e.logger.Info("evaluator run completed",
		"evaluator_id", cfg.ID,
		"scorer", scorer.Name,
		"evaluated", persisted,
		"trace_count", len(traces),
	)
	return results, true
}

func (e *Engine) resolveScorer(ctx context.Context, cfg Config) (Scorer, error) {
	var doc *TemplateDocument
	found, err := e.store.PointRead(ctx, store.ContainerTemplates, cfg.Template.ID, cfg.Template.ID)
	switch {
	case err == nil:
		var decoded TemplateDocument
		if err := store.Decode(found, &decoded); err != nil {
			return Scorer{}, fmt.Errorf("%w: template %q: %v", ErrInvalidConfig, cfg.Template.ID, err)
		}
		doc = &decoded
	case !errors.Is(err, store.ErrNotFound):
		return Scorer{}, fmt.Errorf("load template %q: %w", cfg.Template.ID, err)
	}
	return e.registry.Resolve(cfg, doc)
}

func (e *Engine) runUnit(ctx context.Context, cfg Config, scorer Scorer, item trace.CanonicalTrace) (result unitResult) {
	defer func() {
		e.metrics.onUnit(cfg.ID, result.outcome)
	}()

	traceID := item.TraceID
	if traceID == "" {
		traceID = item.ID
	}
	if traceID == "" {
		return unitResult{outcome: UnitNoTraceID}
	}
	if !e.sampler.Sample(traceID, cfg.ScoreName, cfg.SamplingRate()) {
		return unitResult{outcome: UnitSampledOut}
	}
	if cfg.Execution.DelayMS > 0 {
		if err := sleepContext(ctx, time.Duration(cfg.Execution.DelayMS)*time.Millisecond); err != nil {
			return unitResult{outcome: UnitReadError}
		}
	}

	id := RecordID(traceID, cfg.ID)
	_, err := e.store.PointRead(ctx, store.ContainerEvaluations, id, traceID)
	switch {
	case err == nil:
		return unitResult{outcome: UnitExists}
	case !errors.Is(err, store.ErrNotFound):
		e.logger.Error("idempotency check failed",
			"evaluation_id", id,
			"failure_class", "persistence",
			"error_class", store.ClassifyError(err),
			"error", err,
		)
		return unitResult{outcome: UnitReadError}
	}

	record := e.evaluate(ctx, cfg, scorer, item, traceID)
	doc, err := store.Encode(record)
	if err == nil {
		err = e.store.Upsert(ctx, store.ContainerEvaluations, doc)
	}
	if err != nil {
		e.logger.Error("evaluation persist failed",
			"evaluation_id", id,
			"failure_class", "persistence",
			"error_class", store.ClassifyError(err),
			"error", err,
		)
		return unitResult{outcome: UnitWriteError}
	}
	if e.metrics.OnRecord != nil {
		e.metrics.OnRecord(cfg.ID, record.Status, time.Duration(record.DurationMS)*time.Millisecond)
	}
	return unitResult{outcome: UnitPersisted, record: &record}
}

func (e *Engine) evaluate(ctx context.Context, cfg Config, scorer Scorer, item trace.CanonicalTrace, traceID string) (record Record) {
	start := e.now()
	deployments := e.deployments(cfg, scorer)
	record = Record{
		ID:                        RecordID(traceID, cfg.ID),
		TraceID:                   traceID,
		Evaluator:                 cfg.ScoreName,
		EvaluatorID:               cfg.ID,
		TemplateID:                cfg.Template.ID,
		DeploymentsUsed:           deployments,
		IndividualScores:          map[string]float64{},
		IndividualClassifications: map[string]string{},
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			e.logger.Error("evaluator panicked",
				"evaluation_id", record.ID,
				"panic", fmt.Sprint(recovered),
			)
			record.fail(fmt.Sprintf("evaluator panic: %v", recovered))
		}
		record.DurationMS = e.now().Sub(start).Milliseconds()
		record.Timestamp = e.now().UTC().Format(time.RFC3339Nano)
	}()

	vars, err := e.buildVariables(ctx, cfg, scorer, item, traceID)
	var prompt string
	if err == nil {
		prompt, err = Render(scorer.UserTemplate, vars)
	}
	if err != nil {
		e.logger.Warn("evaluator input unavailable",
			"evaluation_id", record.ID,
			"failure_class", inputFailureClass(err),
			"error", err,
		)
		record.fail(err.Error())
		return record
	}

	outcomes := make([]Outcome, 0, len(deployments))
	for _, deployment := range deployments {
		outcomes = append(outcomes, e.callDeployment(ctx, scorer, deployment, prompt, record.ID))
	}
	for _, outcome := range outcomes {
		if outcome.Score != nil {
			record.IndividualScores[outcome.Deployment] = *outcome.Score
			record.IndividualClassifications[outcome.Deployment] = outcome.Classification
		} else {
			record.IndividualClassifications[outcome.Deployment] = ClassificationFailed
		}
	}

	agg := AggregateOutcomes(outcomes, cfg.VarianceThreshold(e.varianceThreshold))
	record.RawOutput = rawOutput(outcomes)
	if agg.EnsembleScore == nil {
		record.fail(record.RawOutput)
		return record
	}
	record.EnsembleScore = agg.EnsembleScore
	record.Score = agg.EnsembleScore
	record.Variance = agg.Variance
	record.Agreement = agg.Agreement
	record.Unstable = agg.Unstable
	record.Classification = agg.Classification
	record.Status = agg.Status()
	return record
}

func (e *Engine) callDeployment(ctx context.Context, scorer Scorer, deployment, prompt, evaluationID string) Outcome {
	model := deployment
	if model == defaultDeployment {
		model = ""
	}
	text, err := e.completer.Complete(ctx, llm.Request{
		Model:        model,
		SystemPrompt: scorer.SystemPrompt,
		UserPrompt:   prompt,
		MaxTokens:    scorer.MaxTokens,
		Temperature:  0,
	})
	if err != nil {
		e.logger.Warn("judge call failed",
			"evaluation_id", evaluationID,
			"deployment", deployment,
			"failure_class", "external_call",
			"error", err,
		)
		return Outcome{Deployment: deployment, Err: err}
	}

	outcome := Outcome{Deployment: deployment, Output: text}
	parsed := ParseOutput(text)
	if parsed.Score == nil {
		e.logger.Warn("judge output had no score",
			"evaluation_id", evaluationID,
			"deployment", deployment,
			"failure_class", "external_call",
		)
		return outcome
	}
	score := scorer.Transform(*parsed.Score)
	outcome.Score = &score
	outcome.Classification = parsed.Classification
	if outcome.Classification == "" {
		outcome.Classification = classify(score)
	}
	return outcome
}

// deployments lists the ensemble members, falling back to the scorer's model
// and then the engine default.
func (e *Engine) deployments(cfg Config, scorer Scorer) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(cfg.Execution.EnsembleDeployments))
	for _, deployment := range cfg.Execution.EnsembleDeployments {
		deployment = strings.TrimSpace(deployment)
		if deployment == "" {
			continue
		}
		if _, ok := seen[deployment]; ok {
			continue
		}
		seen[deployment] = struct{}{}
		out = append(out, deployment)
	}
	if len(out) > 0 {
		return out
	}
	switch {
	case strings.TrimSpace(scorer.Model) != "":
		return []string{strings.TrimSpace(scorer.Model)}
	case e.defaultDeployment != "":
		return []string{e.defaultDeployment}
	default:
		return []string{defaultDeployment}
	}
}

// buildVariables resolves every variable the prompt uses. The canonical trace
// is read first; a declared variable_mapping path into the raw trace fills
// anything still empty. Required inputs that stay empty fail the unit.
func (e *Engine) buildVariables(ctx context.Context, cfg Config, scorer Scorer, item trace.CanonicalTrace, traceID string) (map[string]string, error) {
	vars := canonicalVariables(item)
	names := append([]string(nil), scorer.Inputs...)
	names = append(names, Placeholders(scorer.UserTemplate)...)
	names = append(names, sortedKeys(cfg.VariableMapping)...)

	var raw trace.RawTrace
	rawLoaded := false
	for _, name := range names {
		if vars[name] != "" {
			continue
		}
		path := strings.TrimSpace(cfg.VariableMapping[name])
		if path == "" {
			vars[name] = ""
			continue
		}
		if !rawLoaded {
			loaded, err := e.loadRaw(ctx, traceID)
			if err != nil {
				return nil, err
			}
			raw, rawLoaded = loaded, true
		}
		vars[name] = rawText(raw, path)
	}

	var missing []string
	for _, name := range scorer.Inputs {
		if strings.TrimSpace(vars[name]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingInput, strings.Join(missing, ", "))
	}
	for name, limit := range scorer.Limits {
		vars[name] = truncateRunes(vars[name], limit)
	}
	return vars, nil
}

// inputFailureClass labels a variable-building failure. A trace lacking a
// required template input is counted apart from malformed telemetry, which
// the normalizer absorbs.
func inputFailureClass(err error) string {
	if errors.Is(err, ErrMissingInput) {
		return "missing_input"
	}
	return "persistence"
}

func (e *Engine) loadRaw(ctx context.Context, traceID string) (trace.RawTrace, error) {
	doc, err := e.store.PointRead(ctx, store.ContainerRawTraces, traceID, traceID)
	switch {
	case err == nil:
		return trace.RawTrace(doc), nil
	case errors.Is(err, store.ErrNotFound):
		return nil, nil
	default:
		return nil, fmt.Errorf("load raw trace %s: %w", traceID, err)
	}
}

func canonicalVariables(item trace.CanonicalTrace) map[string]string {
	retrieved := strings.Join(item.RetrievedContext, "\n\n")
	return map[string]string{
		"question":   item.InputText,
		"input":      item.InputText,
		"query":      item.InputText,
		"answer":     item.OutputText,
		"output":     item.OutputText,
		"response":   item.OutputText,
		"context":    retrieved,
		"trace_name": item.TraceName,
		"model":      item.ModelInfo.Model,
	}
}

func rawText(raw trace.RawTrace, path string) string {
	value, ok := trace.Lookup(raw, strings.Split(path, ".")...)
	if !ok {
		return ""
	}
	switch typed := value.(type) {
	case string, map[string]any:
		return normalize.ExtractText(typed)
	case []any:
		parts := make([]string, 0, len(typed))
		for _, element := range typed {
			if text := normalize.ExtractText(element); text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n\n")
	default:
		return strings.TrimSpace(fmt.Sprint(typed))
	}
}

// rawOutput keeps the judge text of a single deployment, or a JSON object of
// deployment to text (or error) for an ensemble.
func rawOutput(outcomes []Outcome) string {
	texts := make(map[string]string, len(outcomes))
	for _, outcome := range outcomes {
		if outcome.Err != nil {
			texts[outcome.Deployment] = outcome.Err.Error()
			continue
		}
		texts[outcome.Deployment] = outcome.Output
	}
	if len(outcomes) == 1 {
		return texts[outcomes[0].Deployment]
	}
	body, err := json.Marshal(texts)
	if err != nil {
		return ""
	}
	return string(body)
}

func (m *Metrics) onUnit(evaluator, outcome string) {
	if m == nil || m.OnUnit == nil {
		return
	}
	m.OnUnit(evaluator, outcome)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
