package api

import (
	"errors"
	"net/http"

	"github.com/ongoingai/llmops/internal/analytics"
	"github.com/ongoingai/llmops/internal/store"
)

// MetricsHandler serves the last persisted metrics snapshot.
func MetricsHandler(docs store.DocumentStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if docs == nil {
			writeError(w, http.StatusServiceUnavailable, "document store is not configured")
			return
		}

		snapshot, err := analytics.Latest(r.Context(), docs)
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "metrics snapshot not generated yet")
		case err != nil:
			writeError(w, http.StatusInternalServerError, "failed to read metrics snapshot")
		default:
			writeJSON(w, http.StatusOK, snapshot)
		}
	})
}
