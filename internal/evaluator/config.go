// Package evaluator runs configured LLM-as-judge evaluators over canonical
// traces and persists one evaluation record per trace and evaluator.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/ongoingai/llmops/internal/store"
)

var ErrInvalidConfig = errors.New("invalid evaluator config")
var ErrMissingInput = errors.New("missing evaluator input")
var ErrUnknownScorer = errors.New("no scorer registered")

const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Record statuses.
const (
	RecordCompleted = "completed"
	RecordUnstable  = "unstable"
	RecordFailed    = "failed"
)

const (
	ClassificationPass         = "pass"
	ClassificationFail         = "fail"
	ClassificationFailed       = "failed"
	ClassificationDisagreement = "disagreement"
)

const DefaultVarianceThreshold = 0.05

type Template struct {
	ID    string `json:"id"`
	Model string `json:"model,omitempty"`
}

type Execution struct {
	SamplingRate        *float64 `json:"sampling_rate,omitempty"`
	DelayMS             int64    `json:"delay_ms,omitempty"`
	EnsembleDeployments []string `json:"ensemble_deployments,omitempty"`
	VarianceThreshold   *float64 `json:"variance_threshold,omitempty"`
}

// Config is an evaluator document from the evaluators container.
type Config struct {
	ID        string   `json:"id"`
	ScoreName string   `json:"score_name"`
	Template  Template `json:"template"`
	Status    string   `json:"status"`
	Target    string   `json:"target,omitempty"`
	// VariableMapping maps a prompt variable to a dotted raw trace path.
	VariableMapping map[string]string `json:"variable_mapping,omitempty"`
	Execution       Execution         `json:"execution"`
}

func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.ID) == "":
		return fmt.Errorf("%w: id is required", ErrInvalidConfig)
	case strings.TrimSpace(c.ScoreName) == "":
		return fmt.Errorf("%w: evaluator %q: score_name is required", ErrInvalidConfig, c.ID)
	case strings.TrimSpace(c.Template.ID) == "":
		return fmt.Errorf("%w: evaluator %q: template.id is required", ErrInvalidConfig, c.ID)
	case c.Execution.DelayMS < 0:
		return fmt.Errorf("%w: evaluator %q: execution.delay_ms must be >= 0", ErrInvalidConfig, c.ID)
	}
	if rate := c.Execution.SamplingRate; rate != nil && (*rate < 0 || *rate > 1) {
		return fmt.Errorf("%w: evaluator %q: execution.sampling_rate must be within [0,1]", ErrInvalidConfig, c.ID)
	}
	return nil
}

// SamplingRate returns the configured rate, defaulting to 1.
func (c Config) SamplingRate() float64 {
	if c.Execution.SamplingRate == nil {
		return 1
	}
	return *c.Execution.SamplingRate
}

// VarianceThreshold returns the configured threshold or fallback.
func (c Config) VarianceThreshold(fallback float64) float64 {
	if c.Execution.VarianceThreshold == nil {
		return fallback
	}
	return *c.Execution.VarianceThreshold
}

// RecordID is the composite key of an evaluation record.
func RecordID(traceID, evaluatorID string) string {
	return traceID + ":" + evaluatorID
}

// LoadActive reads every active evaluator. Documents that fail to decode or
// validate are logged and skipped.
func LoadActive(ctx context.Context, docs store.DocumentStore, logger *slog.Logger) ([]Config, error) {
	found, err := docs.Query(ctx, store.ContainerEvaluators, store.Query{
		Filters: []store.Filter{store.Eq("status", StatusActive)},
		OrderBy: "id",
	})
	if err != nil {
		return nil, fmt.Errorf("load active evaluators: %w", err)
	}
	configs := make([]Config, 0, len(found))
	for _, doc := range found {
		var cfg Config
		if err := store.Decode(doc, &cfg); err != nil {
			err = fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		} else {
			err = cfg.Validate()
		}
		if err != nil {
			if logger != nil {
				logger.Warn("skipping evaluator",
					"evaluator_id", doc.ID(),
					"failure_class", "configuration",
					"error", err,
				)
			}
			continue
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

// RequiredScoreNames returns the sorted, distinct score names of every
// active evaluator document.
func RequiredScoreNames(ctx context.Context, docs store.DocumentStore) ([]string, error) {
	found, err := docs.Query(ctx, store.ContainerEvaluators, store.Query{
		Filters: []store.Filter{store.Eq("status", StatusActive)},
	})
	if err != nil {
		return nil, fmt.Errorf("load required evaluators: %w", err)
	}
	seen := make(map[string]struct{}, len(found))
	names := make([]string, 0, len(found))
	for _, doc := range found {
		name, _ := doc["score_name"].(string)
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
