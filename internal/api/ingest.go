package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ongoingai/llmops/internal/ingest"
)

type IngestOptions struct {
	Queue        IngestQueue
	MaxBodyBytes int64
	Logger       *slog.Logger
}

type ingestResponse struct {
	Accepted int      `json:"accepted"`
	Dropped  int      `json:"dropped"`
	TraceIDs []string `json:"trace_ids"`
}

// IngestHandler accepts one raw trace object or an array of them. Trace ids
// are assigned before enqueueing so callers can poll /api/traces/{id}.
// A batch that is dropped entirely answers 503.
func IngestHandler(options IngestOptions) http.Handler {
	maxBody := options.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxIngestBodyBytes
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if options.Queue == nil {
			writeError(w, http.StatusServiceUnavailable, "ingest queue is not configured")
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			writeError(w, http.StatusBadRequest, "read request body")
			return
		}
		batch, err := ingest.DecodeBatch(body)
		if err != nil {
			logger.Warn("ingest rejected", "failure_class", "malformed_input", "error", err)
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		response := ingestResponse{TraceIDs: make([]string, 0, len(batch))}
		for _, raw := range batch {
			archived := ingest.Archive(raw)
			if !options.Queue.Enqueue(archived) {
				response.Dropped++
				continue
			}
			response.Accepted++
			response.TraceIDs = append(response.TraceIDs, archived.ID())
		}
		if response.Dropped > 0 {
			logger.Warn("ingest queue full", "failure_class", "persistence", "dropped", response.Dropped, "accepted", response.Accepted)
		}

		status := http.StatusAccepted
		if response.Accepted == 0 && response.Dropped > 0 {
			w.Header().Set("Retry-After", "1")
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, response)
	})
}
