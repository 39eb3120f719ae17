package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ongoingai/llmops/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNormalizeOTLPEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		input         string
		wantEndpoint  string
		wantInsecure  bool
		wantErrSubstr string
	}{
		{
			name:         "host and port",
			input:        "collector:4318",
			wantEndpoint: "collector:4318",
		},
		{
			name:         "http url",
			input:        "http://collector:4318",
			wantEndpoint: "collector:4318",
			wantInsecure: true,
		},
		{
			name:         "https url",
			input:        "https://collector:4318",
			wantEndpoint: "collector:4318",
		},
		{
			name:          "invalid scheme",
			input:         "ftp://collector:4318",
			wantErrSubstr: "scheme must be http or https",
		},
		{
			name:          "missing host",
			input:         "http://",
			wantErrSubstr: "must include host",
		},
		{
			name:          "empty endpoint",
			input:         "   ",
			wantErrSubstr: "must not be empty",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			gotEndpoint, gotInsecure, err := normalizeOTLPEndpoint(tt.input)
			if tt.wantErrSubstr != "" {
				if err == nil {
					t.Fatalf("normalizeOTLPEndpoint(%q) error=nil, want %q", tt.input, tt.wantErrSubstr)
				}
				if got := err.Error(); !strings.Contains(got, tt.wantErrSubstr) {
					t.Fatalf("error=%q, want substring %q", got, tt.wantErrSubstr)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalizeOTLPEndpoint(%q) error=%v", tt.input, err)
			}
			if gotEndpoint != tt.wantEndpoint {
				t.Fatalf("endpoint=%q, want %q", gotEndpoint, tt.wantEndpoint)
			}
			if gotInsecure != tt.wantInsecure {
				t.Fatalf("insecure=%v, want %v", gotInsecure, tt.wantInsecure)
			}
		})
	}
}

func TestRoutePatternForPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want string
	}{
		{path: "/api/health", want: "/api/health"},
		{path: "/api/ingest", want: "/api/ingest"},
		{path: "/api/metrics", want: "/api/metrics"},
		{path: "/api/traces/trace_0af3", want: "/api/traces/{id}"},
		{path: "/api/other", want: "/api/*"},
		{path: "/apiary", want: "/other"},
		{path: "/", want: "/other"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			if got := routePatternForPath(tt.path); got != tt.want {
				t.Fatalf("routePatternForPath(%q)=%q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestSpanNames(t *testing.T) {
	t.Parallel()

	if got := serverSpanName("POST", "/api/ingest"); got != "POST /api/ingest" {
		t.Fatalf("serverSpanName=%q, want %q", got, "POST /api/ingest")
	}
	if got := serverSpanName("", "/api/traces/t1"); got != "UNKNOWN /api/traces/{id}" {
		t.Fatalf("serverSpanName=%q", got)
	}
	if got := clientSpanName("POST", "/openai/deployments/judge/chat/completions"); got != "llm POST /chat/completions" {
		t.Fatalf("clientSpanName=%q, want %q", got, "llm POST /chat/completions")
	}
	if got := clientSpanName("GET", "/v1/models"); got != "llm GET /other" {
		t.Fatalf("clientSpanName=%q, want %q", got, "llm GET /other")
	}
}

// Cannot be parallel: mutates global OTel tracer provider.
func TestSpanEnrichmentMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		statusCode int
		wantError  bool
		wantRoute  string
	}{
		{name: "ok ingest", path: "/api/ingest", statusCode: http.StatusAccepted, wantRoute: "/api/ingest"},
		{name: "missing trace", path: "/api/traces/t9", statusCode: http.StatusNotFound, wantRoute: "/api/traces/{id}"},
		{name: "store failure", path: "/api/metrics", statusCode: http.StatusInternalServerError, wantError: true, wantRoute: "/api/metrics"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oldTP := otel.GetTracerProvider()
			defer otel.SetTracerProvider(oldTP)

			recorder := tracetest.NewSpanRecorder()
			tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
			otel.SetTracerProvider(tp)
			defer func() { _ = tp.Shutdown(context.Background()) }()

			runtime := &Runtime{enabled: true}
			handler := runtime.WrapHTTPHandler(runtime.SpanEnrichmentMiddleware(
				http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
					w.WriteHeader(tt.statusCode)
				}),
			))
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tt.path, nil))

			spans := recorder.Ended()
			if len(spans) != 1 {
				t.Fatalf("ended spans=%d, want 1", len(spans))
			}
			span := spans[0]
			if tt.wantError && span.Status().Code != codes.Error {
				t.Fatalf("span status=%v, want %v", span.Status().Code, codes.Error)
			}
			if !tt.wantError && span.Status().Code == codes.Error {
				t.Fatalf("span status=%v, want non-error", span.Status().Code)
			}
			if got := spanAttrMap(span)["llmops.route"]; got != tt.wantRoute {
				t.Fatalf("llmops.route=%q, want %q", got, tt.wantRoute)
			}
		})
	}
}

func TestRecordIngestWriteFailureIncludesMetricAttributes(t *testing.T) {
	t.Parallel()

	runtime, reader := newTestRuntime(t, nil)
	runtime.RecordIngestWriteFailure("ingest_batch", 3, "contention")
	runtime.RecordIngestWriteFailure("ingest_batch", 0, "contention")

	points := sumPoints(t, collect(t, reader), "llmops.ingest.write_failed_total")
	if len(points) != 1 {
		t.Fatalf("datapoints=%d, want 1", len(points))
	}
	if points[0].Value != 3 {
		t.Fatalf("value=%d, want 3", points[0].Value)
	}
	assertAttrs(t, points[0].Attributes, map[string]string{
		"operation":   "ingest_batch",
		"error_class": "contention",
	})
}

func TestRecordLLMCallCountsOutcomesAndRetries(t *testing.T) {
	t.Parallel()

	runtime, reader := newTestRuntime(t, nil)
	runtime.RecordLLMCall("judge", 3, 120*time.Millisecond, nil)
	runtime.RecordLLMCall("judge", 1, 10*time.Millisecond, errors.New("rate limited"))
	runtime.RecordLLMCall("", 1, time.Millisecond, nil)

	metrics := collect(t, reader)
	calls := sumPoints(t, metrics, "llmops.llm.calls_total")
	got := make(map[string]int64)
	for _, point := range calls {
		attrs := attrMap(point.Attributes)
		got[attrs["model"]+"/"+attrs["outcome"]] = point.Value
	}
	want := map[string]int64{"judge/ok": 1, "judge/error": 1, "unknown/ok": 1}
	for key, value := range want {
		if got[key] != value {
			t.Fatalf("calls[%s]=%d, want %d (all=%v)", key, got[key], value, got)
		}
	}

	retries := sumPoints(t, metrics, "llmops.llm.retries_total")
	if len(retries) != 1 || retries[0].Value != 2 {
		t.Fatalf("retries=%+v, want one datapoint of 2", retries)
	}

	durations := histogramPoints(t, metrics, "llmops.llm.call_duration")
	var count uint64
	for _, point := range durations {
		count += point.Count
	}
	if count != 3 {
		t.Fatalf("duration samples=%d, want 3", count)
	}
}

func TestRecordPipelineCounters(t *testing.T) {
	t.Parallel()

	runtime, reader := newTestRuntime(t, nil)
	runtime.RecordIngestEnqueued()
	runtime.RecordIngestEnqueued()
	runtime.RecordIngestQueueDrop()
	runtime.RecordNormalized("groq")
	runtime.RecordPersistenceFailure("traces", "timeout")
	runtime.RecordEvaluation("hallucination", "completed", 40*time.Millisecond)
	runtime.RecordRCAOutcome("generated")
	runtime.RecordRCAOutcome("pending")
	runtime.RecordIngestFlush(2, 5*time.Millisecond)

	metrics := collect(t, reader)
	totals := map[string]int64{
		"llmops.ingest.enqueued_total":      2,
		"llmops.ingest.queue_dropped_total": 1,
		"llmops.traces.normalized_total":    1,
		"llmops.store.persist_failed_total": 1,
		"llmops.evaluations_total":          1,
		"llmops.rca.outcomes_total":         2,
	}
	for name, want := range totals {
		var total int64
		for _, point := range sumPoints(t, metrics, name) {
			total += point.Value
		}
		if total != want {
			t.Fatalf("%s=%d, want %d", name, total, want)
		}
	}

	normalized := sumPoints(t, metrics, "llmops.traces.normalized_total")
	assertAttrs(t, normalized[0].Attributes, map[string]string{"provider": "groq"})
	failures := sumPoints(t, metrics, "llmops.store.persist_failed_total")
	assertAttrs(t, failures[0].Attributes, map[string]string{"container": "traces", "error_class": "timeout"})
	evaluations := sumPoints(t, metrics, "llmops.evaluations_total")
	assertAttrs(t, evaluations[0].Attributes, map[string]string{"evaluator": "hallucination", "status": "completed"})

	if flushes := histogramPoints(t, metrics, "llmops.ingest.flush_duration"); len(flushes) != 1 || flushes[0].Count != 1 {
		t.Fatalf("flush histogram=%+v, want one sample", flushes)
	}
}

func TestFlushSpanHookRecordsScrubbedError(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	runtime, _ := newTestRuntime(t, tp)

	hook := runtime.MakeFlushSpanHook()
	hook(4)(nil)
	hook(2)(errors.New("dial postgres://llmops:hunter22@db failed"))

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans=%d, want 2", len(spans))
	}
	if spans[0].Name() != "llmops.ingest.flush" || spanAttrMap(spans[0])["batch_size"] != "4" {
		t.Fatalf("first span=%q attrs=%v", spans[0].Name(), spanAttrMap(spans[0]))
	}
	if spans[0].Status().Code == codes.Error {
		t.Fatal("successful flush span marked as error")
	}
	status := spans[1].Status()
	if status.Code != codes.Error {
		t.Fatalf("status=%v, want error", status.Code)
	}
	if ContainsCredential(status.Description) {
		t.Fatalf("status description leaks credential: %q", status.Description)
	}
}

func TestSetupExportsTracesAndMetrics(t *testing.T) {
	oldTracerProvider := otel.GetTracerProvider()
	oldMeterProvider := otel.GetMeterProvider()
	oldPropagator := otel.GetTextMapPropagator()
	defer func() {
		otel.SetTracerProvider(oldTracerProvider)
		otel.SetMeterProvider(oldMeterProvider)
		otel.SetTextMapPropagator(oldPropagator)
	}()

	var traceRequests atomic.Int64
	var metricRequests atomic.Int64
	var unexpectedPath atomic.Bool
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		_ = r.Body.Close()

		switch r.URL.Path {
		case "/v1/traces":
			traceRequests.Add(1)
		case "/v1/metrics":
			metricRequests.Add(1)
		default:
			unexpectedPath.Store(true)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer collector.Close()

	runtime, err := Setup(context.Background(), config.OTelConfig{
		Enabled:                true,
		Endpoint:               collector.URL,
		ServiceName:            "llmops-test",
		TracesEnabled:          true,
		MetricsEnabled:         true,
		SamplingRatio:          1.0,
		ExportTimeoutMS:        1000,
		MetricExportIntervalMS: 25,
	}, "test", nil)
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}
	if !runtime.Enabled() {
		t.Fatal("expected Enabled()=true")
	}

	runtime.MakeFlushSpanHook()(1)(nil)
	runtime.RecordIngestQueueDrop()
	runtime.RecordIngestWriteFailure("ingest_batch", 2, "unknown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := runtime.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("runtime.Shutdown() error: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return traceRequests.Load() > 0 && metricRequests.Load() > 0
	})
	if unexpectedPath.Load() {
		t.Fatal("collector observed unexpected OTLP request path")
	}
}

func TestSetupDisabledAndInvalid(t *testing.T) {
	t.Parallel()

	runtime, err := Setup(context.Background(), config.OTelConfig{Enabled: false}, "test", nil)
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}
	if runtime.Enabled() {
		t.Fatal("expected Enabled()=false for disabled config")
	}

	if _, err := Setup(context.Background(), config.OTelConfig{Enabled: true, Endpoint: "ftp://collector"}, "test", nil); err == nil {
		t.Fatal("Setup() error=nil, want invalid endpoint error")
	}
}

func TestRuntimeGuardsDoNotPanic(t *testing.T) {
	t.Parallel()

	runtimes := []struct {
		name    string
		runtime *Runtime
	}{
		{name: "nil runtime", runtime: nil},
		{name: "disabled runtime", runtime: &Runtime{enabled: false}},
		{name: "enabled without instruments", runtime: &Runtime{enabled: true}},
	}

	for _, tt := range runtimes {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
			if !tt.runtime.Enabled() {
				rec := httptest.NewRecorder()
				tt.runtime.WrapHTTPHandler(handler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
				if rec.Code != http.StatusOK {
					t.Fatalf("WrapHTTPHandler pass-through status=%d, want 200", rec.Code)
				}
				if tt.runtime.WrapHTTPTransport(http.DefaultTransport) != http.DefaultTransport {
					t.Fatal("WrapHTTPTransport should return base transport unchanged")
				}
			}

			tt.runtime.RecordIngestEnqueued()
			tt.runtime.RecordIngestQueueDrop()
			tt.runtime.RecordIngestWriteFailure("ingest_batch", 5, "unknown")
			tt.runtime.RecordIngestFlush(10, 50*time.Millisecond)
			tt.runtime.MakeFlushSpanHook()(3)(errors.New("boom"))
			tt.runtime.RecordNormalized("openai")
			tt.runtime.RecordPersistenceFailure("traces", "timeout")
			tt.runtime.RecordEvaluation("hallucination", "completed", time.Millisecond)
			tt.runtime.RecordLLMCall("judge", 2, time.Millisecond, nil)
			tt.runtime.RecordRCAOutcome("generated")

			if err := tt.runtime.Shutdown(context.Background()); err != nil {
				t.Fatalf("Shutdown() error: %v", err)
			}
		})
	}
}

func TestStatusCapturingResponseWriterUnwrapSupportsResponseController(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	writer := &statusCapturingResponseWriter{ResponseWriter: rec}
	if err := http.NewResponseController(writer).Flush(); err != nil {
		t.Fatalf("Flush() through ResponseController error: %v", err)
	}
	if writer.StatusCode() != http.StatusOK {
		t.Fatalf("status=%d, want 200 before any write", writer.StatusCode())
	}
	writer.WriteHeader(http.StatusTeapot)
	writer.WriteHeader(http.StatusOK)
	if writer.StatusCode() != http.StatusTeapot {
		t.Fatalf("status=%d, want first written status", writer.StatusCode())
	}
}

func newTestRuntime(t *testing.T, tp *sdktrace.TracerProvider) (*Runtime, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		if err := meterProvider.Shutdown(context.Background()); err != nil {
			t.Errorf("meterProvider.Shutdown() error: %v", err)
		}
	})
	if tp == nil {
		tp = sdktrace.NewTracerProvider()
		t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	}

	runtime := &Runtime{enabled: true}
	runtime.instrument(meterProvider.Meter("test"), tp.Tracer("test"), nil)
	return runtime, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()

	var metrics metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &metrics); err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	return metrics
}

func findMetric(metrics metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, scope := range metrics.ScopeMetrics {
		for _, metric := range scope.Metrics {
			if metric.Name == name {
				return metric, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func sumPoints(t *testing.T, metrics metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	t.Helper()

	metric, ok := findMetric(metrics, name)
	if !ok {
		t.Fatalf("missing %s metric", name)
	}
	sum, ok := metric.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s data type=%T, want metricdata.Sum[int64]", name, metric.Data)
	}
	return sum.DataPoints
}

func histogramPoints(t *testing.T, metrics metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	t.Helper()

	metric, ok := findMetric(metrics, name)
	if !ok {
		t.Fatalf("missing %s metric", name)
	}
	histogram, ok := metric.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("%s data type=%T, want metricdata.Histogram[float64]", name, metric.Data)
	}
	return histogram.DataPoints
}

func attrMap(set attribute.Set) map[string]string {
	out := make(map[string]string)
	for _, kv := range set.ToSlice() {
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}

func assertAttrs(t *testing.T, set attribute.Set, want map[string]string) {
	t.Helper()

	got := attrMap(set)
	for key, value := range want {
		if got[key] != value {
			t.Fatalf("attribute %q=%q, want %q", key, got[key], value)
		}
	}
	for key, value := range got {
		if _, ok := want[key]; !ok {
			t.Fatalf("unexpected attribute %q=%q", key, value)
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, predicate func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if predicate() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func spanAttrMap(span sdktrace.ReadOnlySpan) map[string]string {
	attrs := make(map[string]string)
	for _, a := range span.Attributes() {
		attrs[string(a.Key)] = a.Value.Emit()
	}
	return attrs
}
