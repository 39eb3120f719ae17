package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ongoingai/llmops/internal/evaluator"
	"github.com/ongoingai/llmops/internal/rca"
	"github.com/ongoingai/llmops/internal/store"
	"github.com/ongoingai/llmops/internal/trace"
)

const (
	defaultTraceListLimit = 50
	maxTraceListLimit     = 200
)

type tracesResponse struct {
	Items []traceSummary `json:"items"`
}

type traceSummary struct {
	ID           string  `json:"id"`
	TraceName    string  `json:"trace_name"`
	Timestamp    int64   `json:"timestamp"`
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	SessionID    string  `json:"session_id"`
	Status       string  `json:"status"`
	LatencyMS    int64   `json:"latency_ms"`
	TotalTokens  int     `json:"total_tokens"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

type traceDetail struct {
	Trace       trace.CanonicalTrace `json:"trace"`
	Evaluations []evaluator.Record   `json:"evaluations"`
	RCA         *rca.Result          `json:"rca"`
}

// TracesHandler lists canonical traces newest first. Optional filters:
// provider, model, session_id, trace_name; limit defaults to 50.
func TracesHandler(docs store.DocumentStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if docs == nil {
			writeError(w, http.StatusServiceUnavailable, "document store is not configured")
			return
		}

		q, err := parseTraceQuery(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		found, err := docs.Query(r.Context(), store.ContainerTraces, q)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to query traces")
			return
		}

		response := tracesResponse{Items: make([]traceSummary, 0, len(found))}
		for _, doc := range found {
			var item trace.CanonicalTrace
			if err := store.Decode(doc, &item); err != nil {
				continue
			}
			response.Items = append(response.Items, summarizeTrace(item))
		}
		writeJSON(w, http.StatusOK, response)
	})
}

// TraceDetailHandler serves /api/traces/{id}: the canonical trace, its
// evaluations and its RCA result, which is null until generated.
func TraceDetailHandler(docs store.DocumentStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if docs == nil {
			writeError(w, http.StatusServiceUnavailable, "document store is not configured")
			return
		}

		id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/traces/"), "/")
		if id == "" || strings.Contains(id, "/") {
			http.NotFound(w, r)
			return
		}

		doc, err := docs.PointRead(r.Context(), store.ContainerTraces, id, id)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "trace not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to read trace")
			return
		}
		var detail traceDetail
		if err := store.Decode(doc, &detail.Trace); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to decode trace")
			return
		}

		detail.Evaluations, err = evaluator.LoadRecords(r.Context(), docs, id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to read evaluations")
			return
		}

		result, err := rca.LoadResult(r.Context(), docs, id)
		switch {
		case err == nil:
			detail.RCA = &result
		case !errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusInternalServerError, "failed to read rca result")
			return
		}
		writeJSON(w, http.StatusOK, detail)
	})
}

func parseTraceQuery(r *http.Request) (store.Query, error) {
	values := r.URL.Query()
	limit, err := parseIntQuery(values.Get("limit"), "limit", 1, maxTraceListLimit)
	if err != nil {
		return store.Query{}, err
	}
	if limit == 0 {
		limit = defaultTraceListLimit
	}

	q := store.Query{OrderBy: "request.timestamp", Desc: true, Limit: limit}
	filters := []struct {
		param string
		field string
	}{
		{param: "provider", field: "model_info.provider"},
		{param: "model", field: "model_info.model"},
		{param: "session_id", field: "session.session_id"},
		{param: "trace_name", field: "trace_name"},
	}
	for _, filter := range filters {
		if value := strings.TrimSpace(values.Get(filter.param)); value != "" {
			q.Filters = append(q.Filters, store.Eq(filter.field, value))
		}
	}
	return q, nil
}

func summarizeTrace(item trace.CanonicalTrace) traceSummary {
	return traceSummary{
		ID:           item.ID,
		TraceName:    item.TraceName,
		Timestamp:    item.Request.Timestamp,
		Provider:     item.ModelInfo.Provider,
		Model:        item.ModelInfo.Model,
		SessionID:    item.Session.SessionID,
		Status:       item.Performance.Status,
		LatencyMS:    item.Performance.LatencyMS,
		TotalTokens:  item.Usage.TotalTokens,
		TotalCostUSD: item.Cost.TotalCostUSD,
	}
}

func parseIntQuery(raw, name string, min, max int) (int, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if parsed < min {
		return 0, fmt.Errorf("%s must be >= %d", name, min)
	}
	if max != 0 && parsed > max {
		return 0, fmt.Errorf("%s must be <= %d", name, max)
	}
	return parsed, nil
}
