package api

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ongoingai/llmops/internal/store"
)

type HealthOptions struct {
	Version       string
	StartedAt     time.Time
	StorageDriver string
	StoragePath   string
	Store         store.DocumentStore
	Queue         IngestQueue
}

type healthResponse struct {
	Status        string        `json:"status"`
	Version       string        `json:"version"`
	UptimeSec     int64         `json:"uptime_sec"`
	StorageDriver string        `json:"storage_driver"`
	Storage       string        `json:"storage"`
	DBSizeBytes   int64         `json:"db_size_bytes,omitempty"`
	Ingest        *ingestHealth `json:"ingest,omitempty"`
}

type ingestHealth struct {
	QueueDepth         int    `json:"queue_depth"`
	QueueCapacity      int    `json:"queue_capacity"`
	QueuePressureState string `json:"queue_pressure_state"`
	IngestedTotal      int64  `json:"ingested_total"`
	TotalDroppedTotal  int64  `json:"total_dropped_total"`
}

// HealthHandler reports "degraded" with 503 when the store cannot serve a
// trivial query.
func HealthHandler(options HealthOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		response := healthResponse{
			Status:        "ok",
			Version:       options.Version,
			UptimeSec:     int64(time.Since(options.StartedAt).Seconds()),
			StorageDriver: options.StorageDriver,
			Storage:       "ok",
		}
		status := http.StatusOK

		if options.Store == nil {
			response.Status = "degraded"
			response.Storage = "unconfigured"
			status = http.StatusServiceUnavailable
		} else if _, err := options.Store.Query(r.Context(), store.ContainerMetrics, store.Query{Limit: 1}); err != nil {
			response.Status = "degraded"
			response.Storage = "error: " + store.ClassifyError(err)
			status = http.StatusServiceUnavailable
		}

		if strings.EqualFold(options.StorageDriver, "sqlite") && options.StoragePath != "" {
			if info, err := os.Stat(options.StoragePath); err == nil {
				response.DBSizeBytes = info.Size()
			}
		}

		if options.Queue != nil {
			diagnostics := options.Queue.Diagnostics()
			response.Ingest = &ingestHealth{
				QueueDepth:         diagnostics.QueueDepth,
				QueueCapacity:      diagnostics.QueueCapacity,
				QueuePressureState: diagnostics.QueuePressureState,
				IngestedTotal:      diagnostics.IngestedTotal,
				TotalDroppedTotal:  diagnostics.TotalDroppedTotal,
			}
		}

		writeJSON(w, status, response)
	})
}
