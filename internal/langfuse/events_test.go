package langfuse

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptlab/promptlab/internal/trace"
)

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func TestBuildEventsForSuccessfulTrace(t *testing.T) {
	t.Parallel()

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	completed := started.Add(1500 * time.Millisecond)
	firstToken := int64(200)
	rating := 4
	quality := 3.5
	tps := 42.5

	tr := &trace.Trace{
		ID:                    "trace-1",
		UserID:                "user-1",
		SessionID:             "session-1",
		Source:                trace.SourcePlayground,
		Model:                 "gpt-4o-mini",
		Prompt:                "Summarize this",
		SystemPrompt:          "Be brief",
		Parameters:            map[string]any{"temperature": 0.2},
		Status:                trace.StatusSuccess,
		Streaming:             true,
		Response:              "Short summary",
		StartedAt:             started,
		CompletedAt:           &completed,
		Tokens:                &trace.TokenUsage{Input: 10, Output: 20, Total: 30},
		Cost:                  &trace.CostBreakdown{InputUSD: 0.001, OutputUSD: 0.002, TotalUSD: 0.003},
		FirstTokenMS:          &firstToken,
		TokensPerSecond:       &tps,
		QualityScore:          &quality,
		UserRating:            &rating,
		LangfuseObservationID: "obs-1",
		Metadata:              map[string]any{"experiment": "b"},
	}

	events := BuildEvents(tr, sequentialIDs(), completed)
	require.Len(t, events, 4)

	assert.Equal(t, EventTraceCreate, events[0].Type)
	traceBody, ok := events[0].Body.(TraceBody)
	require.True(t, ok)
	assert.Equal(t, "trace-1", traceBody.ID)
	assert.Equal(t, "promptlab.playground", traceBody.Name)
	assert.Equal(t, "session-1", traceBody.SessionID)
	assert.Equal(t, "b", traceBody.Metadata["experiment"])
	assert.Equal(t, true, traceBody.Metadata["streaming"])
	assert.Equal(t, []string{"playground", "success"}, traceBody.Tags)

	generation, ok := events[1].Body.(GenerationBody)
	require.True(t, ok)
	assert.Equal(t, "obs-1", generation.ID)
	assert.Equal(t, "trace-1", generation.TraceID)
	assert.Equal(t, LevelDefault, generation.Level)
	assert.Equal(t, "2026-03-01T12:00:00.2Z", generation.CompletionStartTime)
	assert.Equal(t, "2026-03-01T12:00:01.5Z", generation.EndTime)
	require.NotNil(t, generation.Usage)
	assert.Equal(t, int64(30), generation.Usage.Total)
	require.NotNil(t, generation.Usage.TotalCost)
	assert.InDelta(t, 0.003, *generation.Usage.TotalCost, 1e-12)
	messages, ok := generation.Input.([]chatMessage)
	require.True(t, ok)
	assert.Equal(t, []chatMessage{{Role: "system", Content: "Be brief"}, {Role: "user", Content: "Summarize this"}}, messages)

	rated, ok := events[2].Body.(ScoreBody)
	require.True(t, ok)
	assert.Equal(t, "user_rating", rated.Name)
	assert.Equal(t, 4.0, rated.Value)
	assert.Equal(t, "obs-1", rated.ObservationID)

	scored, ok := events[3].Body.(ScoreBody)
	require.True(t, ok)
	assert.Equal(t, "quality_score", scored.Name)
	assert.Equal(t, 3.5, scored.Value)

	// The source metadata bag is not mutated.
	assert.NotContains(t, tr.Metadata, "promptlab_trace_id")
}

func TestBuildEventsForFailedTrace(t *testing.T) {
	t.Parallel()

	tr := &trace.Trace{
		ID:           "trace-2",
		Source:       trace.SourceAPI,
		Prompt:       "hello",
		Status:       trace.StatusError,
		StartedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ErrorCode:    "rate_limit",
		ErrorMessage: "provider throttled",
	}

	events := BuildEvents(tr, sequentialIDs(), tr.StartedAt)
	require.Len(t, events, 2)

	generation := events[1].Body.(GenerationBody)
	assert.Equal(t, LevelError, generation.Level)
	assert.Equal(t, "rate_limit: provider throttled", generation.StatusMessage)
	assert.Nil(t, generation.Usage)
	assert.Nil(t, generation.Output)
	assert.NotEmpty(t, generation.ID)
}

func TestLevelForCancelledTrace(t *testing.T) {
	t.Parallel()

	assert.Equal(t, LevelWarning, levelFor(trace.StatusCancelled))
	assert.Equal(t, "cancelled", statusMessage(&trace.Trace{Status: trace.StatusCancelled}))
	assert.Nil(t, BuildEvents(nil, sequentialIDs(), time.Now()))
}
