package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ongoingai/llmops/internal/audit"
	"github.com/ongoingai/llmops/internal/config"
	"github.com/ongoingai/llmops/internal/evaluator"
	"github.com/ongoingai/llmops/internal/ingest"
	"github.com/ongoingai/llmops/internal/llm"
	"github.com/ongoingai/llmops/internal/observability"
	"github.com/ongoingai/llmops/internal/rca"
	"github.com/ongoingai/llmops/internal/secrets"
	"github.com/ongoingai/llmops/internal/store"
)

const (
	configStageLoad     = "load"
	configStageValidate = "validate"
)

// loadAndValidateConfig resolves config and reports which stage failed.
func loadAndValidateConfig(configPath string) (config.Config, string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, configStageLoad, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, configStageValidate, err
	}
	return cfg, "", nil
}

// resolveCredential prefers the inline value and falls back to the named
// secret. An empty secret name is reported as ErrSecretNotFound.
func resolveCredential(ctx context.Context, provider secrets.Provider, inline, secretName string) (string, error) {
	if value := strings.TrimSpace(inline); value != "" {
		return value, nil
	}
	name := strings.TrimSpace(secretName)
	if name == "" || provider == nil {
		return "", fmt.Errorf("%w: no inline value or secret name", secrets.ErrSecretNotFound)
	}
	return provider.GetSecret(ctx, name)
}

var newSecretProvider = func(cfg config.Config) secrets.Provider {
	return secrets.Default(cfg.Secrets.Dir)
}

// openStore builds the document store for cfg.Storage.Driver. SQL drivers
// apply pending migrations before returning.
func openStore(ctx context.Context, cfg config.Config, provider secrets.Provider) (store.DocumentStore, error) {
	switch strings.TrimSpace(cfg.Storage.Driver) {
	case config.StorageDriverSQLite:
		sqliteStore, err := store.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("initialize sqlite storage: %w", err)
		}
		return sqliteStore, nil
	case config.StorageDriverPostgres:
		dsn, err := resolveCredential(ctx, provider, cfg.Storage.DSN, cfg.Storage.DSNSecret)
		if err != nil {
			return nil, fmt.Errorf("resolve postgres dsn: %w", err)
		}
		postgresStore, err := store.NewPostgresStore(dsn)
		if err != nil {
			return nil, fmt.Errorf("initialize postgres storage: %w", err)
		}
		return postgresStore, nil
	case config.StorageDriverMemory:
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}
}

func closeStore(logger *slog.Logger, docs store.DocumentStore) {
	if docs == nil {
		return
	}
	if err := docs.Close(); err != nil && logger != nil {
		logger.Error("failed to close document storage", "error", err)
	}
}

// newLLMGateway builds the scoring client. A missing API key disables
// evaluation and returns a nil gateway without error.
func newLLMGateway(ctx context.Context, cfg config.Config, provider secrets.Provider, otelRuntime *observability.Runtime, logger *slog.Logger) (*llm.Gateway, error) {
	apiKey, err := resolveCredential(ctx, provider, cfg.LLM.APIKey, cfg.LLM.APIKeySecret)
	if errors.Is(err, secrets.ErrSecretNotFound) {
		logger.Warn("llm api key not configured; evaluation disabled",
			"api_key_secret", cfg.LLM.APIKeySecret,
		)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve llm api key: %w", err)
	}

	gateway, err := llm.NewGateway(llm.Config{
		BaseURL:        cfg.LLM.Endpoint,
		APIKey:         apiKey,
		APIVersion:     cfg.LLM.APIVersion,
		Azure:          cfg.LLM.Azure,
		DefaultModel:   cfg.LLM.DefaultDeployment,
		MaxTokens:      cfg.LLM.MaxTokens,
		Timeout:        cfg.LLM.Timeout(),
		MaxRetries:     cfg.LLM.MaxRetries,
		InitialBackoff: cfg.LLM.InitialBackoff(),
		Transport:      otelRuntime.WrapHTTPTransport(http.DefaultTransport),
	}, logger)
	if err != nil {
		return nil, err
	}
	gateway.SetObserver(func(result llm.CallResult) {
		otelRuntime.RecordLLMCall(result.Model, result.Attempts, result.Duration, result.Err)
	})
	return gateway, nil
}

// newPipeline wires normalization, evaluation and the RCA gate over docs.
// Evaluation is skipped when completer is nil.
func newPipeline(cfg config.Config, docs store.DocumentStore, completer llm.Completer, otelRuntime *observability.Runtime, logger *slog.Logger) (*ingest.Pipeline, error) {
	var stage ingest.Evaluator
	if completer != nil {
		sampler, err := evaluator.NewSampler(cfg.Evaluation.SamplingPolicy)
		if err != nil {
			return nil, err
		}
		engine, err := evaluator.NewEngine(docs, completer, evaluator.Options{
			Workers:                  cfg.Evaluation.Workers,
			DefaultDeployment:        cfg.LLM.DefaultDeployment,
			DefaultVarianceThreshold: cfg.Evaluation.DefaultVarianceThreshold,
			Sampler:                  sampler,
			Audit:                    audit.NewRecorder(docs, logger),
			Logger:                   logger,
			Metrics: &evaluator.Metrics{
				OnRecord: func(name, status string, duration time.Duration) {
					otelRuntime.RecordEvaluation(name, status, duration)
				},
			},
		})
		if err != nil {
			return nil, err
		}
		stage = engine
	}

	gate := rca.NewGate(docs, logger, &rca.Metrics{OnOutcome: otelRuntime.RecordRCAOutcome})
	return ingest.NewPipeline(docs, stage, gate, logger, &ingest.PipelineMetrics{
		OnNormalized:     otelRuntime.RecordNormalized,
		OnPersistFailure: otelRuntime.RecordPersistenceFailure,
	}), nil
}

// buildPipeline resolves the LLM gateway and wires the pipeline.
func buildPipeline(ctx context.Context, cfg config.Config, docs store.DocumentStore, provider secrets.Provider, otelRuntime *observability.Runtime, logger *slog.Logger) (*ingest.Pipeline, error) {
	gateway, err := newLLMGateway(ctx, cfg, provider, otelRuntime, logger)
	if err != nil {
		return nil, err
	}
	var completer llm.Completer
	if gateway != nil {
		completer = gateway
	}
	return newPipeline(cfg, docs, completer, otelRuntime, logger)
}
