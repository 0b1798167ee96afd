package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/promptlab/promptlab/internal/trace"
)

type ingestionCapture struct {
	mu       sync.Mutex
	traceIDs []string
	auth     string
}

func (c *ingestionCapture) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/public/ingestion" {
			t.Errorf("unexpected langfuse path %q", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var payload struct {
			Batch []struct {
				Type string         `json:"type"`
				Body map[string]any `json:"body"`
			} `json:"batch"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode ingestion batch: %v", err)
		}
		c.mu.Lock()
		c.auth = r.Header.Get("Authorization")
		for _, event := range payload.Batch {
			if event.Type == "trace-create" {
				id, _ := event.Body["id"].(string)
				c.traceIDs = append(c.traceIDs, id)
			}
		}
		c.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = w.Write([]byte(`{"successes":[],"errors":[]}`))
	})
}

func (c *ingestionCapture) snapshot() ([]string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.traceIDs...), c.auth
}

func TestRunServeExportsCompletedTracesOnShutdown(t *testing.T) {
	capture := &ingestionCapture{}
	langfuseServer := httptest.NewServer(capture.handler(t))
	defer langfuseServer.Close()

	port := freeTCPPort(t)
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "promptlab.db")
	configPath := filepath.Join(tmpDir, "promptlab.yaml")
	configBody := fmt.Sprintf(`server:
  host: 127.0.0.1
  port: %d
storage:
  driver: sqlite
  path: %q
auth:
  enabled: false
  anonymous_user_id: tester
langfuse:
  enabled: true
  host: %q
  public_key: pk-lf-test
  secret_key: sk-lf-test
  flush_interval_ms: 60000
  batch_size: 50
`, port, dbPath, langfuseServer.URL)
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

	var started struct {
		TraceID string `json:"trace_id"`
	}
	postJSON(t, baseURL+"/api/traces", `{"source":"api","model":"gpt-4o-mini","prompt":"hello"}`, http.StatusCreated, &started)
	if started.TraceID == "" {
		t.Fatal("start returned empty trace_id")
	}
	postJSON(t, baseURL+"/api/traces/"+started.TraceID+"/complete", `{"status":"success","response":"hi","tokens":{"input":2,"output":1}}`, http.StatusOK, nil)

	shutdown()

	select {
	case code := <-exitCodeCh:
		if code != 0 {
			t.Fatalf("runServe exit code=%d, want 0", code)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for runServe shutdown")
	}

	exported, authHeader := capture.snapshot()
	if len(exported) != 1 || exported[0] != started.TraceID {
		t.Fatalf("exported trace ids=%v, want [%s]", exported, started.TraceID)
	}
	if !strings.HasPrefix(authHeader, "Basic ") {
		t.Fatalf("langfuse authorization=%q, want basic auth", authHeader)
	}

	store, err := trace.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	defer store.Close()

	persisted, err := store.GetTrace(context.Background(), started.TraceID)
	if err != nil {
		t.Fatalf("get trace: %v", err)
	}
	if persisted.Status != trace.StatusSuccess || persisted.UserID != "tester" {
		t.Fatalf("persisted trace status=%q user=%q", persisted.Status, persisted.UserID)
	}
}

func postJSON(t *testing.T, url, body string, wantStatus int, out any) {
	t.Helper()

	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		t.Fatalf("POST %s status=%d, want %d body=%s", url, resp.StatusCode, wantStatus, raw)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("POST %s missing X-Request-ID response header", url)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("decode %s response: %v", url, err)
		}
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
