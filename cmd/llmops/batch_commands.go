package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ongoingai/llmops/internal/analytics"
	"github.com/ongoingai/llmops/internal/config"
	"github.com/ongoingai/llmops/internal/ingest"
	"github.com/ongoingai/llmops/internal/store"
)

type migrationReporter interface {
	AppliedMigrations(ctx context.Context) ([]string, error)
}

type ingestCommandOutput struct {
	Received     int      `json:"received"`
	Stored       int      `json:"stored"`
	Failed       int      `json:"failed"`
	TraceIDs     []string `json:"trace_ids"`
	Evaluations  int      `json:"evaluations_persisted"`
	EvalSkipped  int      `json:"evaluations_skipped"`
	EvalFailed   int      `json:"evaluations_failed"`
	RCAGenerated int      `json:"rca_generated"`
	RCAPending   int      `json:"rca_pending"`
}

// normalizeTextJSONFormat validates command output format flags with shared semantics.
func normalizeTextJSONFormat(command, rawValue, defaultValue string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(rawValue))
	if normalized == "" {
		normalized = strings.TrimSpace(defaultValue)
	}
	switch normalized {
	case "text", "json":
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid %s format %q: expected text or json", strings.TrimSpace(command), rawValue)
	}
}

func loadCommandConfig(configPath string, errOut io.Writer) (config.Config, bool) {
	cfg, stage, err := loadAndValidateConfig(configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		}
		return config.Config{}, false
	}
	return cfg, true
}

// runIngest pushes a file of raw traces through the pipeline synchronously.
func runIngest(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("ingest", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	filePath := flagSet.String("file", "", "Path to a JSON object or array of raw traces")
	formatValue := flagSet.String("format", "text", "Output format: text|json")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "ingest does not accept positional arguments")
		return 2
	}
	if strings.TrimSpace(*filePath) == "" {
		fmt.Fprintln(errOut, "ingest requires --file")
		return 2
	}
	format, err := normalizeTextJSONFormat("ingest", *formatValue, "text")
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}

	cfg, ok := loadCommandConfig(*configPath, errOut)
	if !ok {
		return 1
	}

	body, err := os.ReadFile(*filePath)
	if err != nil {
		fmt.Fprintf(errOut, "failed to read %s: %v\n", *filePath, err)
		return 1
	}
	batch, err := ingest.DecodeBatch(body)
	if err != nil {
		fmt.Fprintf(errOut, "failed to decode %s: %v\n", *filePath, err)
		return 1
	}
	for i, raw := range batch {
		batch[i] = ingest.Archive(raw)
	}

	ctx := context.Background()
	logger := newLogger(errOut)
	secretProvider := newSecretProvider(cfg)
	docs, err := openStore(ctx, cfg, secretProvider)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize storage: %v\n", err)
		return 1
	}
	defer closeStore(logger, docs)

	pipeline, err := buildPipeline(ctx, cfg, docs, secretProvider, nil, logger)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize evaluation pipeline: %v\n", err)
		return 1
	}

	result, ingestErr := pipeline.IngestBatch(ctx, batch)
	output := ingestCommandOutput{
		Received:     result.Received,
		Stored:       result.Stored,
		Failed:       result.Failed,
		TraceIDs:     result.TraceIDs,
		Evaluations:  result.Evaluation.Persisted,
		EvalSkipped:  result.Evaluation.Skipped,
		EvalFailed:   result.Evaluation.Failed,
		RCAGenerated: result.RCA.Generated,
		RCAPending:   result.RCA.Pending,
	}
	if output.TraceIDs == nil {
		output.TraceIDs = []string{}
	}

	if format == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(output); err != nil {
			fmt.Fprintf(errOut, "failed to encode output: %v\n", err)
			return 1
		}
	} else {
		fmt.Fprintf(out, "received=%d stored=%d failed=%d\n", output.Received, output.Stored, output.Failed)
		fmt.Fprintf(out, "evaluations persisted=%d skipped=%d failed=%d\n", output.Evaluations, output.EvalSkipped, output.EvalFailed)
		fmt.Fprintf(out, "rca generated=%d pending=%d\n", output.RCAGenerated, output.RCAPending)
		for _, id := range output.TraceIDs {
			fmt.Fprintf(out, "trace %s\n", id)
		}
	}

	if ingestErr != nil {
		fmt.Fprintf(errOut, "some traces were not persisted: %v\n", ingestErr)
		return 1
	}
	return 0
}

// runAggregate computes and persists one metrics snapshot.
func runAggregate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("aggregate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	formatValue := flagSet.String("format", "text", "Output format: text|json")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "aggregate does not accept positional arguments")
		return 2
	}
	format, err := normalizeTextJSONFormat("aggregate", *formatValue, "text")
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}

	cfg, ok := loadCommandConfig(*configPath, errOut)
	if !ok {
		return 1
	}

	ctx := context.Background()
	logger := newLogger(errOut)
	docs, err := openStore(ctx, cfg, newSecretProvider(cfg))
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize storage: %v\n", err)
		return 1
	}
	defer closeStore(logger, docs)

	snapshot, written, err := analytics.NewAggregator(docs, logger).Run(ctx)
	if err != nil {
		fmt.Fprintf(errOut, "aggregation failed (%s): %v\n", store.ClassifyError(err), err)
		return 1
	}
	if !written {
		fmt.Fprintln(out, "no traces stored; metrics snapshot unchanged")
		return 0
	}

	if format == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(snapshot); err != nil {
			fmt.Fprintf(errOut, "failed to encode output: %v\n", err)
			return 1
		}
		return 0
	}
	fmt.Fprintf(out, "traces=%d sessions=%d users=%d\n", snapshot.TotalTraces, snapshot.TotalSessions, snapshot.TotalUsers)
	fmt.Fprintf(out, "tokens=%d cost_usd=%.6f avg_latency_ms=%.2f\n", snapshot.TotalTokens, snapshot.TotalCost, snapshot.AvgLatencyMS)
	fmt.Fprintf(out, "evaluators=%d generated_at=%s\n", len(snapshot.EvaluationSummary), snapshot.GeneratedAt)
	return 0
}

// runMigrate applies pending schema migrations for the configured driver.
func runMigrate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("migrate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "migrate does not accept positional arguments")
		return 2
	}

	cfg, ok := loadCommandConfig(*configPath, errOut)
	if !ok {
		return 1
	}
	if cfg.Storage.Driver == config.StorageDriverMemory {
		fmt.Fprintln(out, "storage.driver=memory has no schema; nothing to migrate")
		return 0
	}

	ctx := context.Background()
	docs, err := openStore(ctx, cfg, newSecretProvider(cfg))
	if err != nil {
		fmt.Fprintf(errOut, "migration failed: %v\n", err)
		return 1
	}
	defer closeStore(newLogger(errOut), docs)

	fmt.Fprintf(out, "migrations applied: driver=%s\n", cfg.Storage.Driver)
	reporter, ok := docs.(migrationReporter)
	if !ok {
		return 0
	}
	names, err := reporter.AppliedMigrations(ctx)
	if err != nil {
		fmt.Fprintf(errOut, "failed to list applied migrations: %v\n", err)
		return 1
	}
	for _, name := range names {
		fmt.Fprintf(out, "  %s\n", name)
	}
	return 0
}
