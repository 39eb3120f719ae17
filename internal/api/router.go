package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ongoingai/llmops/internal/ingest"
	"github.com/ongoingai/llmops/internal/store"
	"github.com/ongoingai/llmops/internal/trace"
)

const defaultMaxIngestBodyBytes = 8 << 20

// IngestQueue accepts raw traces for asynchronous processing.
type IngestQueue interface {
	Enqueue(raw trace.RawTrace) bool
	Diagnostics() ingest.Diagnostics
}

type RouterOptions struct {
	AppVersion    string
	Store         store.DocumentStore
	StorageDriver string
	StoragePath   string
	Queue         IngestQueue
	// MaxIngestBodyBytes caps POST /api/ingest bodies; zero uses 8 MiB.
	MaxIngestBodyBytes int64
	Logger             *slog.Logger
}

func NewRouter(options RouterOptions) http.Handler {
	startedAt := time.Now().UTC()
	mux := http.NewServeMux()

	mux.Handle("/api/health", HealthHandler(HealthOptions{
		Version:       options.AppVersion,
		StartedAt:     startedAt,
		StorageDriver: options.StorageDriver,
		StoragePath:   options.StoragePath,
		Store:         options.Store,
		Queue:         options.Queue,
	}))
	mux.Handle("/api/ingest", IngestHandler(IngestOptions{
		Queue:        options.Queue,
		MaxBodyBytes: options.MaxIngestBodyBytes,
		Logger:       options.Logger,
	}))
	mux.Handle("/api/diagnostics/ingest", IngestDiagnosticsHandler(options.Queue))
	mux.Handle("/api/metrics", MetricsHandler(options.Store))
	mux.Handle("/api/traces", TracesHandler(options.Store))
	mux.Handle("/api/traces/", TraceDetailHandler(options.Store))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    "llmops",
			"version": options.AppVersion,
			"status":  "ok",
		})
	})

	return withCORS(mux)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"error\":\"internal server error\"}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method+", OPTIONS")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
