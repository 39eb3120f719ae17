package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ongoingai/llmops/internal/config"
	"github.com/ongoingai/llmops/internal/version"
)

func TestRunRejectsUnknownCommand(t *testing.T) {
	t.Parallel()

	if code := run([]string{"report"}); code != 2 {
		t.Fatalf("run(report) code=%d, want 2", code)
	}
}

func TestRunVersionFormats(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	if code := runVersion(nil, &stdout, &stderr); code != 0 {
		t.Fatalf("runVersion() code=%d (stderr=%q)", code, stderr.String())
	}
	if strings.TrimSpace(stdout.String()) != version.String() {
		t.Fatalf("stdout=%q, want %q", stdout.String(), version.String())
	}

	stdout.Reset()
	if code := runVersion([]string{"--format", "json"}, &stdout, &stderr); code != 0 {
		t.Fatalf("runVersion(json) code=%d (stderr=%q)", code, stderr.String())
	}
	var info version.Info
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		t.Fatalf("decode version json: %v", err)
	}
	if info.Version == "" || info.GoVersion == "" {
		t.Fatalf("info=%+v, want version and go_version", info)
	}

	if code := runVersion([]string{"--format", "xml"}, &stdout, &stderr); code != 2 {
		t.Fatalf("runVersion(xml) code=%d, want 2", code)
	}
}

func TestRunServeRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "invalid.yaml")
	configBody := `server:
  host: 127.0.0.1
  port: 70000
storage:
  driver: memory
`
	if err := os.WriteFile(configPath, []byte(configBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if code := runServe([]string{"--config", configPath}); code != 1 {
		t.Fatalf("runServe exit code=%d, want 1", code)
	}
}

func TestNewServerUsesSafeTimeouts(t *testing.T) {
	t.Parallel()

	server := newServer(config.Default(), nil, http.NotFoundHandler())
	if server.Addr != "0.0.0.0:8080" {
		t.Fatalf("Addr=%q, want 0.0.0.0:8080", server.Addr)
	}
	if server.ReadHeaderTimeout != serverReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%s, want %s", server.ReadHeaderTimeout, serverReadHeaderTimeout)
	}
	if server.ReadTimeout != serverReadTimeout {
		t.Fatalf("ReadTimeout=%s, want %s", server.ReadTimeout, serverReadTimeout)
	}
	if server.IdleTimeout != serverIdleTimeout {
		t.Fatalf("IdleTimeout=%s, want %s", server.IdleTimeout, serverIdleTimeout)
	}
}

// Not parallel: replaces signalNotifyContext.
func TestRunServeIngestsTracesAndShutsDown(t *testing.T) {
	port := freeTCPPort(t)
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "llmops.yaml")
	configBody := fmt.Sprintf(`server:
  host: 127.0.0.1
  port: %d
storage:
  driver: memory
aggregator:
  enabled: false
secrets:
  dir: %q
llm:
  api_key_secret: llmops-serve-test-missing-key
`, port, tmpDir)
	if err := os.WriteFile(configPath, []byte(configBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	originalSignalNotifyContext := signalNotifyContext
	t.Cleanup(func() {
		signalNotifyContext = originalSignalNotifyContext
	})

	shutdownCtx, shutdown := context.WithCancel(context.Background())
	t.Cleanup(shutdown)
	signalNotifyContext = func(_ context.Context, _ ...os.Signal) (context.Context, context.CancelFunc) {
		return shutdownCtx, func() {}
	}

	exitCodeCh := make(chan int, 1)
	go func() {
		exitCodeCh <- runServe([]string{"--config", configPath})
	}()

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	waitForHTTPReady(t, baseURL+"/api/health")

	resp, err := http.Post(baseURL+"/api/ingest", "application/json", strings.NewReader(`{"provider":"openai","model":"gpt-4o-mini","input":"hi","output":"hello","tokens_in":3,"tokens_out":2}`))
	if err != nil {
		t.Fatalf("ingest request failed: %v", err)
	}
	var accepted struct {
		Accepted int      `json:"accepted"`
		TraceIDs []string `json:"trace_ids"`
	}
	decodeErr := json.NewDecoder(resp.Body).Decode(&accepted)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("ingest status=%d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	if decodeErr != nil || accepted.Accepted != 1 || len(accepted.TraceIDs) != 1 {
		t.Fatalf("ingest response=%+v err=%v, want one accepted trace", accepted, decodeErr)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("expected X-Request-Id on ingest response")
	}

	traceURL := baseURL + "/api/traces/" + accepted.TraceIDs[0]
	deadline := time.Now().Add(5 * time.Second)
	for {
		detailResp, err := http.Get(traceURL)
		if err != nil {
			t.Fatalf("trace detail request failed: %v", err)
		}
		_, _ = io.Copy(io.Discard, detailResp.Body)
		_ = detailResp.Body.Close()
		if detailResp.StatusCode == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("trace %s never became readable (last status %d)", accepted.TraceIDs[0], detailResp.StatusCode)
		}
		time.Sleep(25 * time.Millisecond)
	}

	shutdown()

	select {
	case code := <-exitCodeCh:
		if code != 0 {
			t.Fatalf("runServe exit code=%d, want 0", code)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for runServe shutdown")
	}
}

func freeTCPPort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen for free port: %v", err)
	}
	defer listener.Close()

	addr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("unexpected listener addr type %T", listener.Addr())
	}
	return addr.Port
}

func waitForHTTPReady(t *testing.T, url string) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for HTTP server at %s", url)
}
