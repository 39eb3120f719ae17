package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ongoingai/llmops/internal/analytics"
	"github.com/ongoingai/llmops/internal/api"
	"github.com/ongoingai/llmops/internal/config"
	"github.com/ongoingai/llmops/internal/ingest"
	"github.com/ongoingai/llmops/internal/observability"
	"github.com/ongoingai/llmops/internal/version"
)

const defaultConfigPath = "llmops.yaml"

const ingestWriterShutdownTimeout = 10 * time.Second
const otelShutdownTimeout = 5 * time.Second
const serverShutdownTimeout = 5 * time.Second
const serverReadHeaderTimeout = 10 * time.Second
const serverReadTimeout = 30 * time.Second
const serverIdleTimeout = 2 * time.Minute

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		return runServe(nil)
	}

	switch args[0] {
	case "version", "--version", "-v":
		return runVersion(args[1:], os.Stdout, os.Stderr)
	case "serve":
		return runServe(args[1:])
	case "ingest":
		return runIngest(args[1:], os.Stdout, os.Stderr)
	case "aggregate":
		return runAggregate(args[1:], os.Stdout, os.Stderr)
	case "migrate":
		return runMigrate(args[1:], os.Stdout, os.Stderr)
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func runVersion(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("version", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	formatValue := flagSet.String("format", "text", "Output format: text|json")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	format, err := normalizeTextJSONFormat("version", *formatValue, "text")
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	if format == "json" {
		if err := json.NewEncoder(out).Encode(version.Get()); err != nil {
			fmt.Fprintf(errOut, "failed to encode version: %v\n", err)
			return 1
		}
		return 0
	}
	fmt.Fprintln(out, version.String())
	return 0
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	_, _, err := loadAndValidateConfig(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

func runServe(args []string) int {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(os.Stderr)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "config is invalid: %v\n", err)
		}
		return 1
	}

	logger := newLogger(os.Stdout)
	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)
	}

	secretProvider := newSecretProvider(cfg)
	docs, err := openStore(context.Background(), cfg, secretProvider)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize storage: %v\n", err)
		return 1
	}
	defer closeStore(logger, docs)

	pipeline, err := buildPipeline(context.Background(), cfg, docs, secretProvider, otelRuntime, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize evaluation pipeline: %v\n", err)
		return 1
	}

	writer := ingest.NewWriter(pipeline, cfg.Ingest.QueueSize)
	attachIngestWriterMetrics(writer, otelRuntime)
	attachIngestWriterFailureLogging(logger, writer, func(failure ingest.WriteFailure) {
		otelRuntime.RecordIngestWriteFailure(failure.Operation, failure.FailedCount, failure.ErrorClass)
	})
	writer.Start(context.Background())
	defer shutdownIngestWriter(logger, writer, ingestWriterShutdownTimeout)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Aggregator.Enabled {
		aggregator := analytics.NewAggregator(docs, logger)
		go aggregator.RunEvery(ctx, cfg.Aggregator.Interval())
	}

	handler := api.NewRouter(api.RouterOptions{
		AppVersion:    version.String(),
		Store:         docs,
		StorageDriver: cfg.Storage.Driver,
		StoragePath:   cfg.Storage.Path,
		Queue:         writer,
		Logger:        logger,
	})
	handler = otelRuntime.SpanEnrichmentMiddleware(handler)
	handler = otelRuntime.WrapHTTPHandler(handler)
	server := newServer(cfg, logger, handler)

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"storage_driver", cfg.Storage.Driver,
		"sampling_policy", cfg.Evaluation.SamplingPolicy,
		"aggregator_enabled", cfg.Aggregator.Enabled,
		"otel_enabled", otelRuntime.Enabled(),
		"config_path", *configPath,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown", "error", err)
			return 1
		}
		logger.Info("llmops stopped")
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("llmops server failed", "error", err)
			return 1
		}
		return 0
	}
}

func newLogger(out io.Writer) *slog.Logger {
	return slog.New(observability.NewTraceLogHandler(
		slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelInfo}),
	))
}

func newServer(cfg config.Config, logger *slog.Logger, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           api.LoggingMiddleware(logger, handler),
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  llmops serve [--config path/to/llmops.yaml]")
	fmt.Fprintln(out, "  llmops ingest --file raw.json [--config path/to/llmops.yaml]")
	fmt.Fprintln(out, "  llmops aggregate [--config path/to/llmops.yaml]")
	fmt.Fprintln(out, "  llmops migrate [--config path/to/llmops.yaml]")
	fmt.Fprintln(out, "  llmops config validate [--config path/to/llmops.yaml]")
	fmt.Fprintln(out, "  llmops version [--format text|json]")
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  llmops config validate [--config path/to/llmops.yaml]")
}

func shutdownIngestWriter(logger *slog.Logger, writer *ingest.Writer, timeout time.Duration) {
	if writer == nil {
		return
	}

	start := time.Now()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := writer.Shutdown(shutdownCtx); err != nil {
		if logger != nil {
			logger.Error(
				"failed to drain pending traces before shutdown",
				"error", err,
				"timeout", timeout.String(),
			)
		}
		return
	}

	if logger != nil {
		logger.Info("drained pending traces before shutdown", "duration_ms", time.Since(start).Milliseconds())
	}
}

func attachIngestWriterMetrics(writer *ingest.Writer, otelRuntime *observability.Runtime) {
	if writer == nil || !otelRuntime.Enabled() {
		return
	}
	writer.SetMetrics(&ingest.WriterMetrics{
		OnEnqueue:    otelRuntime.RecordIngestEnqueued,
		OnDrop:       otelRuntime.RecordIngestQueueDrop,
		OnFlush:      otelRuntime.RecordIngestFlush,
		OnFlushStart: otelRuntime.MakeFlushSpanHook(),
	})
}

func attachIngestWriterFailureLogging(logger *slog.Logger, writer *ingest.Writer, onFailure func(ingest.WriteFailure)) {
	if logger == nil || writer == nil {
		return
	}

	writer.SetWriteFailureHandler(func(failure ingest.WriteFailure) {
		if failure.FailedCount <= 0 {
			return
		}
		if onFailure != nil {
			onFailure(failure)
		}
		logger.Error(
			"ingest batch persistence failed",
			"failure_class", "persistence",
			"operation", strings.TrimSpace(failure.Operation),
			"batch_size", failure.BatchSize,
			"failed_count", failure.FailedCount,
			"error_class", failure.ErrorClass,
			"error_kind", fmt.Sprintf("%T", failure.Err),
		)
	})
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		if logger != nil {
			logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
		}
	}
}
