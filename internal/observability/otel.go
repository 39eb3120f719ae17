package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ongoingai/llmops/internal/config"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "ongoingai.llmops"
)

// Runtime exposes OpenTelemetry HTTP wrappers and pipeline metric hooks.
// Every method is safe on a nil or disabled Runtime.
type Runtime struct {
	enabled bool
	tracer  oteltrace.Tracer

	ingestEnqueuedCounter    metric.Int64Counter
	ingestDroppedCounter     metric.Int64Counter
	ingestWriteFailedCounter metric.Int64Counter
	ingestFlushDuration      metric.Float64Histogram
	normalizedCounter        metric.Int64Counter
	persistFailedCounter     metric.Int64Counter
	evaluationCounter        metric.Int64Counter
	evaluationDuration       metric.Float64Histogram
	llmCallCounter           metric.Int64Counter
	llmCallDuration          metric.Float64Histogram
	llmRetryCounter          metric.Int64Counter
	rcaCounter               metric.Int64Counter

	shutdownFns []func(context.Context) error
}

// Setup initializes OpenTelemetry providers and runtime hooks.
func Setup(ctx context.Context, cfg config.OTelConfig, serviceVersion string, logger *slog.Logger) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	runtime := &Runtime{}
	if !cfg.Enabled {
		return runtime, nil
	}

	exportTimeout := time.Duration(cfg.ExportTimeoutMS) * time.Millisecond
	metricInterval := time.Duration(cfg.MetricExportIntervalMS) * time.Millisecond
	otlpEndpoint, inferredInsecure, err := normalizeOTLPEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	insecure := cfg.Insecure
	if strings.Contains(strings.TrimSpace(cfg.Endpoint), "://") {
		// An explicit scheme wins over the insecure toggle.
		insecure = inferredInsecure
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", strings.TrimSpace(cfg.ServiceName)),
		attribute.String("service.version", strings.TrimSpace(serviceVersion)),
	)

	if cfg.TracesEnabled {
		traceExporterOptions := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(otlpEndpoint),
			otlptracehttp.WithTimeout(exportTimeout),
		}
		if insecure {
			traceExporterOptions = append(traceExporterOptions, otlptracehttp.WithInsecure())
		}
		traceExporter, err := otlptracehttp.New(ctx, traceExporterOptions...)
		if err != nil {
			return nil, fmt.Errorf("initialize otel trace exporter: %w", err)
		}

		tracerProvider := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRatio))),
			sdktrace.WithBatcher(newScrubbingExporter(traceExporter)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tracerProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, tracerProvider.Shutdown)
	}

	if cfg.MetricsEnabled {
		metricExporterOptions := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(otlpEndpoint),
			otlpmetrichttp.WithTimeout(exportTimeout),
		}
		if insecure {
			metricExporterOptions = append(metricExporterOptions, otlpmetrichttp.WithInsecure())
		}
		metricExporter, err := otlpmetrichttp.New(ctx, metricExporterOptions...)
		if err != nil {
			_ = runtime.Shutdown(context.Background())
			return nil, fmt.Errorf("initialize otel metric exporter: %w", err)
		}

		reader := sdkmetric.NewPeriodicReader(
			metricExporter,
			sdkmetric.WithInterval(metricInterval),
			sdkmetric.WithTimeout(exportTimeout),
		)
		meterProvider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		)
		otel.SetMeterProvider(meterProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, meterProvider.Shutdown)
	}

	otel.SetTextMapPropagator(propagation.TraceContext{})

	runtime.instrument(otel.Meter(instrumentationName), otel.Tracer(instrumentationName), logger)
	runtime.enabled = true
	if logger != nil {
		logger.Info(
			"opentelemetry enabled",
			"otel_endpoint", otlpEndpoint,
			"otel_traces_enabled", cfg.TracesEnabled,
			"otel_metrics_enabled", cfg.MetricsEnabled,
			"otel_sampling_ratio", cfg.SamplingRatio,
		)
	}

	return runtime, nil
}

// instrument creates every instrument from meter. A failed instrument is
// logged and left nil so its Record method becomes a no-op.
func (r *Runtime) instrument(meter metric.Meter, tracer oteltrace.Tracer, logger *slog.Logger) {
	r.tracer = tracer

	counter := func(name, description string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(description))
		if err != nil {
			if logger != nil {
				logger.Warn("failed to create opentelemetry counter", "metric", name, "error", err)
			}
			return nil
		}
		return c
	}
	histogram := func(name, description string) metric.Float64Histogram {
		h, err := meter.Float64Histogram(name, metric.WithDescription(description), metric.WithUnit("ms"))
		if err != nil {
			if logger != nil {
				logger.Warn("failed to create opentelemetry histogram", "metric", name, "error", err)
			}
			return nil
		}
		return h
	}

	r.ingestEnqueuedCounter = counter("llmops.ingest.enqueued_total", "Count of raw traces accepted into the ingest queue.")
	r.ingestDroppedCounter = counter("llmops.ingest.queue_dropped_total", "Count of raw traces dropped because the ingest queue was full.")
	r.ingestWriteFailedCounter = counter("llmops.ingest.write_failed_total", "Count of raw traces an ingest batch failed to persist.")
	r.ingestFlushDuration = histogram("llmops.ingest.flush_duration", "Duration of one ingest batch flush.")
	r.normalizedCounter = counter("llmops.traces.normalized_total", "Count of raw traces normalized, by detected provider.")
	r.persistFailedCounter = counter("llmops.store.persist_failed_total", "Count of document writes that failed, by container and error class.")
	r.evaluationCounter = counter("llmops.evaluations_total", "Count of persisted evaluation records, by evaluator and status.")
	r.evaluationDuration = histogram("llmops.evaluation.duration", "Duration of one evaluation unit.")
	r.llmCallCounter = counter("llmops.llm.calls_total", "Count of completion calls, by model and outcome.")
	r.llmCallDuration = histogram("llmops.llm.call_duration", "Duration of one completion call including retries.")
	r.llmRetryCounter = counter("llmops.llm.retries_total", "Count of completion retries after a failed attempt.")
	r.rcaCounter = counter("llmops.rca.outcomes_total", "Count of RCA gate outcomes per trace.")
}

// Enabled reports whether OpenTelemetry instrumentation is active.
func (r *Runtime) Enabled() bool {
	return r != nil && r.enabled
}

// WrapHTTPHandler wraps an inbound HTTP handler with OpenTelemetry spans.
func (r *Runtime) WrapHTTPHandler(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}
	return otelhttp.NewHandler(
		next,
		"llmops.request",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return serverSpanName(req.Method, req.URL.Path)
		}),
	)
}

// SpanEnrichmentMiddleware tags the active span with its route and marks 5xx
// responses as errors.
func (r *Runtime) SpanEnrichmentMiddleware(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusCapturingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(recorder, req)

		span := oteltrace.SpanFromContext(req.Context())
		if !span.IsRecording() {
			return
		}
		statusCode := recorder.StatusCode()
		if statusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, fmt.Sprintf("http %d", statusCode))
		}
		span.SetAttributes(attribute.String("llmops.route", routePatternForPath(req.URL.Path)))
	})
}

// WrapHTTPTransport wraps the outbound LLM transport with OpenTelemetry spans.
func (r *Runtime) WrapHTTPTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if !r.Enabled() {
		return base
	}
	return otelhttp.NewTransport(
		base,
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return clientSpanName(req.Method, req.URL.Path)
		}),
	)
}

// RecordIngestEnqueued counts one raw trace accepted into the queue.
func (r *Runtime) RecordIngestEnqueued() {
	if !r.Enabled() || r.ingestEnqueuedCounter == nil {
		return
	}
	r.ingestEnqueuedCounter.Add(context.Background(), 1)
}

// RecordIngestQueueDrop counts one raw trace dropped on a full queue.
func (r *Runtime) RecordIngestQueueDrop() {
	if !r.Enabled() || r.ingestDroppedCounter == nil {
		return
	}
	r.ingestDroppedCounter.Add(context.Background(), 1)
}

// RecordIngestWriteFailure counts raw traces a batch could not persist.
func (r *Runtime) RecordIngestWriteFailure(operation string, failedCount int, errorClass string) {
	if !r.Enabled() || failedCount <= 0 || r.ingestWriteFailedCounter == nil {
		return
	}
	r.ingestWriteFailedCounter.Add(
		context.Background(),
		int64(failedCount),
		metric.WithAttributes(
			attribute.String("operation", strings.TrimSpace(operation)),
			attribute.String("error_class", strings.TrimSpace(errorClass)),
		),
	)
}

// RecordIngestFlush records the duration of one batch flush.
func (r *Runtime) RecordIngestFlush(batchSize int, duration time.Duration) {
	if !r.Enabled() || r.ingestFlushDuration == nil {
		return
	}
	r.ingestFlushDuration.Record(
		context.Background(),
		milliseconds(duration),
		metric.WithAttributes(attribute.Int("batch_size", batchSize)),
	)
}

// MakeFlushSpanHook returns a hook that opens one span per ingest batch.
// The returned end function records the batch error, if any.
func (r *Runtime) MakeFlushSpanHook() func(batchSize int) func(error) {
	return func(batchSize int) func(error) {
		if !r.Enabled() || r.tracer == nil {
			return func(error) {}
		}
		_, span := r.tracer.Start(context.Background(), "llmops.ingest.flush",
			oteltrace.WithAttributes(attribute.Int("batch_size", batchSize)),
		)
		return func(err error) {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, ScrubCredentials(err.Error()))
			}
			span.End()
		}
	}
}

// RecordNormalized counts one normalized trace by provider.
func (r *Runtime) RecordNormalized(provider string) {
	if !r.Enabled() || r.normalizedCounter == nil {
		return
	}
	r.normalizedCounter.Add(
		context.Background(),
		1,
		metric.WithAttributes(attribute.String("provider", labelOr(provider, "unknown"))),
	)
}

// RecordPersistenceFailure counts one failed document write.
func (r *Runtime) RecordPersistenceFailure(container, errorClass string) {
	if !r.Enabled() || r.persistFailedCounter == nil {
		return
	}
	r.persistFailedCounter.Add(
		context.Background(),
		1,
		metric.WithAttributes(
			attribute.String("container", strings.TrimSpace(container)),
			attribute.String("error_class", labelOr(errorClass, "unknown")),
		),
	)
}

// RecordEvaluation counts one persisted evaluation record and its duration.
func (r *Runtime) RecordEvaluation(evaluatorName, status string, duration time.Duration) {
	if !r.Enabled() {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("evaluator", labelOr(evaluatorName, "unknown")),
		attribute.String("status", labelOr(status, "unknown")),
	)
	if r.evaluationCounter != nil {
		r.evaluationCounter.Add(context.Background(), 1, attrs)
	}
	if r.evaluationDuration != nil {
		r.evaluationDuration.Record(context.Background(), milliseconds(duration), attrs)
	}
}

// RecordLLMCall counts one completion call. Attempts beyond the first are
// counted as retries.
func (r *Runtime) RecordLLMCall(model string, attempts int, duration time.Duration, err error) {
	if !r.Enabled() {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("model", labelOr(model, "unknown")),
		attribute.String("outcome", outcome),
	)
	if r.llmCallCounter != nil {
		r.llmCallCounter.Add(context.Background(), 1, attrs)
	}
	if r.llmCallDuration != nil {
		r.llmCallDuration.Record(context.Background(), milliseconds(duration), attrs)
	}
	if r.llmRetryCounter != nil && attempts > 1 {
		r.llmRetryCounter.Add(
			context.Background(),
			int64(attempts-1),
			metric.WithAttributes(attribute.String("model", labelOr(model, "unknown"))),
		)
	}
}

// RecordRCAOutcome counts one RCA gate outcome.
func (r *Runtime) RecordRCAOutcome(outcome string) {
	if !r.Enabled() || r.rcaCounter == nil {
		return
	}
	r.rcaCounter.Add(
		context.Background(),
		1,
		metric.WithAttributes(attribute.String("outcome", labelOr(outcome, "unknown"))),
	)
}

// Shutdown flushes and stops OpenTelemetry providers.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil || len(r.shutdownFns) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var errs []error
	for i := len(r.shutdownFns) - 1; i >= 0; i-- {
		if err := r.shutdownFns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func normalizeOTLPEndpoint(raw string) (string, bool, error) {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return "", false, errors.New("observability.otel.endpoint must not be empty")
	}

	if !strings.Contains(endpoint, "://") {
		return endpoint, false, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse observability.otel.endpoint: %w", err)
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", false, fmt.Errorf("observability.otel.endpoint must include host (got %q)", raw)
	}

	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "http":
		return parsed.Host, true, nil
	case "https":
		return parsed.Host, false, nil
	default:
		return "", false, fmt.Errorf("observability.otel.endpoint scheme must be http or https when provided (got %q)", parsed.Scheme)
	}
}

func routePatternForPath(path string) string {
	switch {
	case path == "/api/health":
		return "/api/health"
	case path == "/api/ingest":
		return "/api/ingest"
	case path == "/api/metrics":
		return "/api/metrics"
	case strings.HasPrefix(path, "/api/traces/"):
		return "/api/traces/{id}"
	case path == "/api" || strings.HasPrefix(path, "/api/"):
		return "/api/*"
	default:
		return "/other"
	}
}

// llmRouteForPath collapses deployment-specific completion paths so span
// names stay low-cardinality.
func llmRouteForPath(path string) string {
	if strings.HasSuffix(strings.TrimRight(path, "/"), "/chat/completions") {
		return "/chat/completions"
	}
	return "/other"
}

func serverSpanName(method, path string) string {
	return normalizedMethod(method) + " " + routePatternForPath(path)
}

func clientSpanName(method, path string) string {
	return "llm " + normalizedMethod(method) + " " + llmRouteForPath(path)
}

func normalizedMethod(method string) string {
	method = strings.TrimSpace(method)
	if method == "" {
		return "UNKNOWN"
	}
	return method
}

func labelOr(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	return value
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusCapturingResponseWriter) Unwrap() http.ResponseWriter {
	if w == nil {
		return nil
	}
	return w.ResponseWriter
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	if w.statusCode == 0 {
		w.statusCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusCapturingResponseWriter) Write(p []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusCapturingResponseWriter) StatusCode() int {
	if w.statusCode == 0 {
		return http.StatusOK
	}
	return w.statusCode
}
