package playground

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptlab/promptlab/internal/trace"
	"github.com/promptlab/promptlab/internal/tracker"
)

var testCaller = tracker.Caller{ID: "user-1", Role: "member"}

func newTestTracker(t *testing.T) *tracker.Service {
	t.Helper()
	store, err := trace.NewSQLiteStore(filepath.Join(t.TempDir(), "playground.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	svc, err := tracker.New(tracker.Options{Store: store})
	require.NoError(t, err)
	return svc
}

func newTestRunner(t *testing.T, svc *tracker.Service, serverURL string) *Runner {
	t.Helper()
	client, err := NewOpenAIClient(serverURL+"/v1", "sk-test-key", nil)
	require.NoError(t, err)
	runner, err := NewRunner(Options{
		Tracker:      svc,
		Client:       client,
		DefaultModel: "gpt-4o-mini",
		Pricing:      map[string]Price{"gpt-4o-mini": {InputPer1K: 0.15, OutputPer1K: 0.6}},
	})
	require.NoError(t, err)
	return runner
}

func writeChunk(t *testing.T, w http.ResponseWriter, payload map[string]any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", raw)
	w.(http.Flusher).Flush()
}

func contentChunk(text string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion.chunk",
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{"index": 0, "delta": map[string]any{"content": text}}},
	}
}

func TestRunStreamsAndCompletesTrace(t *testing.T) {
	t.Parallel()

	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		w.Header().Set("Content-Type", "text/event-stream")
		writeChunk(t, w, contentChunk("Hello"))
		writeChunk(t, w, contentChunk(", world"))
		writeChunk(t, w, map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion.chunk",
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{},
			"usage":   map[string]any{"prompt_tokens": 1000, "completion_tokens": 2000, "total_tokens": 3000},
		})
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	svc := newTestTracker(t)
	runner := newTestRunner(t, svc, server.URL)

	temperature := float32(0.5)
	result, err := runner.Run(context.Background(), testCaller, Request{
		Prompt:       "Say hello",
		SystemPrompt: "Be friendly",
		Temperature:  &temperature,
	})
	require.NoError(t, err)

	assert.Equal(t, trace.StatusSuccess, result.Status)
	assert.Equal(t, "Hello, world", result.Response)
	assert.Equal(t, "gpt-4o-mini", result.Model)
	assert.Empty(t, result.Error)
	require.NotNil(t, result.Metrics.Tokens)
	assert.Equal(t, int64(3000), result.Metrics.Tokens.Total)
	require.NotNil(t, result.Metrics.Cost)
	assert.InDelta(t, 0.15+1.2, result.Metrics.Cost.TotalUSD, 1e-9)
	require.NotNil(t, result.Metrics.FirstTokenMS)
	assert.GreaterOrEqual(t, *result.Metrics.FirstTokenMS, int64(0))

	assert.Equal(t, "gpt-4o-mini", received["model"])
	assert.Equal(t, true, received["stream"])
	messages, ok := received["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, messages, 2)

	view, err := svc.Get(context.Background(), testCaller, result.TraceID, true)
	require.NoError(t, err)
	assert.Equal(t, trace.SourcePlayground, view.Trace.Source)
	assert.Equal(t, trace.StatusSuccess, view.Trace.Status)
	assert.Equal(t, "Hello, world", view.Trace.Response)
	assert.Equal(t, 0.5, view.Trace.Parameters["temperature"])
	assert.False(t, view.Active)
	assert.Zero(t, svc.Registry().ActiveSpanCount())

	var statusChanges []any
	for _, event := range view.Events {
		if event.Type == trace.EventStatusChange {
			statusChanges = append(statusChanges, event.Payload["to_status"])
		}
	}
	assert.Contains(t, statusChanges, string(trace.StatusStreaming))
	assert.Contains(t, statusChanges, string(trace.StatusSuccess))
}

func TestRunRecordsProviderError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"rate_limit_exceeded"}}`))
	}))
	defer server.Close()

	svc := newTestTracker(t)
	runner := newTestRunner(t, svc, server.URL)

	result, err := runner.Run(context.Background(), testCaller, Request{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, trace.StatusError, result.Status)
	assert.Equal(t, "Rate limit reached", result.Error)

	view, err := svc.Get(context.Background(), testCaller, result.TraceID, false)
	require.NoError(t, err)
	assert.Equal(t, trace.StatusError, view.Trace.Status)
	assert.Equal(t, errorCodeRateLimited, view.Trace.ErrorCode)
	assert.Nil(t, view.Trace.FirstTokenMS)
}

// cancelOnStreaming cancels the run context once the trace is marked streaming.
type cancelOnStreaming struct {
	*tracker.Service
	cancel context.CancelFunc
}

func (c *cancelOnStreaming) Update(ctx context.Context, caller tracker.Caller, traceID string, in tracker.TraceUpdate) (*tracker.UpdateResult, error) {
	result, err := c.Service.Update(ctx, caller, traceID, in)
	c.cancel()
	return result, err
}

func TestRunRecordsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeChunk(t, w, contentChunk("partial"))
		<-r.Context().Done()
	}))
	defer server.Close()

	svc := newTestTracker(t)
	client, err := NewOpenAIClient(server.URL+"/v1", "sk-test-key", nil)
	require.NoError(t, err)
	runner, err := NewRunner(Options{
		Tracker:      &cancelOnStreaming{Service: svc, cancel: cancel},
		Client:       client,
		DefaultModel: "gpt-4o-mini",
	})
	require.NoError(t, err)

	result, err := runner.Run(ctx, testCaller, Request{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, trace.StatusCancelled, result.Status)
	assert.Equal(t, "partial", result.Response)

	view, err := svc.Get(context.Background(), testCaller, result.TraceID, false)
	require.NoError(t, err)
	assert.Equal(t, trace.StatusCancelled, view.Trace.Status)
	assert.Equal(t, errorCodeCancelled, view.Trace.ErrorCode)
	assert.NotNil(t, view.Trace.FirstTokenMS)
}

func TestRunRejectsInvalidPrompt(t *testing.T) {
	t.Parallel()

	svc := newTestTracker(t)
	runner := newTestRunner(t, svc, "http://127.0.0.1:1")

	_, err := runner.Run(context.Background(), testCaller, Request{Prompt: ""})
	require.Error(t, err)
	var validation *tracker.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "prompt", validation.Field)
}

func TestNewOpenAIClientRequiresKey(t *testing.T) {
	t.Parallel()

	_, err := NewOpenAIClient("https://api.openai.com/v1", " ", nil)
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = NewRunner(Options{Tracker: newTestTracker(t)})
	assert.ErrorIs(t, err, ErrNotConfigured)
}
