package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSONWritesEncodedPayload(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusAccepted, ingestResponse{Accepted: 1, TraceIDs: []string{"t-1"}})

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusAccepted)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("content-type=%q, want application/json", got)
	}

	var payload ingestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	if payload.Accepted != 1 || len(payload.TraceIDs) != 1 || payload.TraceIDs[0] != "t-1" {
		t.Fatalf("payload=%+v, want one accepted trace t-1", payload)
	}
}

func TestWriteJSONReturnsInternalServerErrorOnEncodeFailure(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, map[string]any{
		"bad": make(chan int),
	})

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"error":"internal server error"}` {
		t.Fatalf("body=%q, want %q", got, `{"error":"internal server error"}`)
	}
}

func TestRequireMethodRejectsOtherMethods(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/api/metrics", nil)
	if requireMethod(rec, req, http.MethodGet) {
		t.Fatal("requireMethod()=true, want false for DELETE")
	}
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
	if got := rec.Header().Get("Allow"); got != "GET, OPTIONS" {
		t.Fatalf("allow=%q, want %q", got, "GET, OPTIONS")
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/metrics", nil)
	if !requireMethod(rec, req, http.MethodGet) {
		t.Fatal("requireMethod()=false, want true for GET")
	}
}

func TestLoggingMiddlewareMintsRequestIDAndLogsStatus(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	handler := LoggingMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/ingest", nil))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusAccepted)
	}
	requestID := rec.Header().Get(RequestIDHeader)
	if requestID == "" {
		t.Fatalf("response %s header is empty", RequestIDHeader)
	}

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(logs.Bytes()), &entry); err != nil {
		t.Fatalf("decode log line: %v (line=%q)", err, logs.String())
	}
	if entry["msg"] != "request complete" {
		t.Fatalf("msg=%v, want request complete", entry["msg"])
	}
	if entry["request_id"] != requestID {
		t.Fatalf("request_id=%v, want %q", entry["request_id"], requestID)
	}
	if entry["path"] != "/api/ingest" || entry["method"] != http.MethodPost {
		t.Fatalf("path/method=%v/%v, want /api/ingest POST", entry["path"], entry["method"])
	}
	if status, ok := entry["status"].(float64); !ok || int(status) != http.StatusAccepted {
		t.Fatalf("status=%v, want %d", entry["status"], http.StatusAccepted)
	}
}

func TestLoggingMiddlewareRequestIDHandling(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		inbound string
		reuse   bool
	}{
		{name: "reuses sane id", inbound: "req-123", reuse: true},
		{name: "replaces id with spaces", inbound: "req 123", reuse: false},
		{name: "replaces oversized id", inbound: strings.Repeat("a", maxRequestIDLength+1), reuse: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var logs bytes.Buffer
			handler := LoggingMiddleware(slog.New(slog.NewJSONHandler(&logs, nil)), nil)
			req := httptest.NewRequest(http.MethodGet, "/missing", nil)
			req.Header.Set(RequestIDHeader, tt.inbound)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			got := rec.Header().Get(RequestIDHeader)
			if got == "" {
				t.Fatal("expected a request id header")
			}
			if (got == tt.inbound) != tt.reuse {
				t.Fatalf("request id=%q, inbound=%q, want reuse=%v", got, tt.inbound, tt.reuse)
			}
			if rec.Code != http.StatusNotFound {
				t.Fatalf("status=%d, want %d", rec.Code, http.StatusNotFound)
			}
		})
	}
}
