package api

import (
	"net/http"
	"time"

	"github.com/ongoingai/llmops/internal/ingest"
)

const ingestDiagnosticsSchemaVersion = "ingest-diagnostics.v1"

type ingestDiagnosticsResponse struct {
	SchemaVersion string             `json:"schema_version"`
	GeneratedAt   time.Time          `json:"generated_at"`
	Diagnostics   ingest.Diagnostics `json:"diagnostics"`
}

// IngestDiagnosticsHandler serves the full queue pressure and drop snapshot.
func IngestDiagnosticsHandler(queue IngestQueue) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if queue == nil {
			writeError(w, http.StatusServiceUnavailable, "ingest diagnostics unavailable")
			return
		}

		writeJSON(w, http.StatusOK, ingestDiagnosticsResponse{
			SchemaVersion: ingestDiagnosticsSchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Diagnostics:   queue.Diagnostics(),
		})
	})
}
