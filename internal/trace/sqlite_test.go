package trace

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRetrySQLiteBusyRetriesTransientContention(t *testing.T) {
	t.Parallel()

	attempts := 0
	err := retrySQLiteBusy(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retrySQLiteBusy() error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("retry attempts=%d, want %d", attempts, 3)
	}
}

func TestRetrySQLiteBusyHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := retrySQLiteBusy(ctx, func() error {
		attempts++
		return errors.New("database is locked")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("retrySQLiteBusy() error=%v, want %v", err, context.Canceled)
	}
	if attempts != 1 {
		t.Fatalf("retry attempts=%d, want %d", attempts, 1)
	}
}

func TestSQLiteStoreConfiguresWALAndForeignKeys(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)

	var mode string
	if err := store.db.QueryRow(`PRAGMA journal_mode;`).Scan(&mode); err != nil {
		t.Fatalf("query journal_mode pragma: %v", err)
	}
	if strings.ToLower(mode) != "wal" {
		t.Fatalf("journal_mode=%q, want wal", mode)
	}

	var foreignKeys int
	if err := store.db.QueryRow(`PRAGMA foreign_keys;`).Scan(&foreignKeys); err != nil {
		t.Fatalf("query foreign_keys pragma: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("foreign_keys=%d, want 1", foreignKeys)
	}
}

func TestSQLiteStoreCreateAndGetRoundTrip(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	in := &Trace{
		ID:           "trace-roundtrip",
		UserID:       "u1",
		SessionID:    "session-1",
		Source:       SourceAPI,
		Model:        "gpt-4",
		Prompt:       "hi",
		SystemPrompt: "be brief",
		Parameters:   map[string]any{"temperature": 0.3},
		Status:       StatusPending,
		StartedAt:    started,
		Metadata:     map[string]any{"user_agent": "curl/8"},
	}
	if err := store.CreateTrace(ctx, in); err != nil {
		t.Fatalf("CreateTrace() error: %v", err)
	}

	got, err := store.GetTrace(ctx, in.ID)
	if err != nil {
		t.Fatalf("GetTrace() error: %v", err)
	}
	if got.UserID != "u1" || got.Source != SourceAPI || got.Status != StatusPending {
		t.Fatalf("GetTrace()=%+v, want user u1 source api status pending", got)
	}
	if !got.StartedAt.Equal(started) {
		t.Fatalf("started_at=%s, want %s", got.StartedAt, started)
	}
	if got.CompletedAt != nil || got.DurationMS != nil || got.Tokens != nil || got.Cost != nil {
		t.Fatalf("optional fields set on fresh trace: %+v", got)
	}
	if got.Parameters["temperature"] != 0.3 {
		t.Fatalf("parameters=%v, want temperature 0.3", got.Parameters)
	}
	if MetadataString(got.Metadata, "user_agent") != "curl/8" {
		t.Fatalf("metadata=%v, want user_agent curl/8", got.Metadata)
	}

	if _, err := store.GetTrace(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetTrace(missing) error=%v, want ErrNotFound", err)
	}
}

func TestSQLiteStoreUpdateTraceAppliesSparseFields(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	ctx := context.Background()
	createSQLiteTestTrace(t, store, "trace-update", time.Now().UTC())

	streaming := StatusStreaming
	on := true
	firstToken := int64(120)
	if err := store.UpdateTrace(ctx, "trace-update", &Update{
		Status:         &streaming,
		Streaming:      &on,
		FirstTokenMS:   &firstToken,
		Metadata:       map[string]any{"step": "stream"},
		ExpectStatuses: LiveStatuses(),
	}); err != nil {
		t.Fatalf("UpdateTrace() error: %v", err)
	}

	got, err := store.GetTrace(ctx, "trace-update")
	if err != nil {
		t.Fatalf("GetTrace() error: %v", err)
	}
	if got.Status != StatusStreaming || !got.Streaming {
		t.Fatalf("status=%s streaming=%t, want streaming/true", got.Status, got.Streaming)
	}
	if got.FirstTokenMS == nil || *got.FirstTokenMS != 120 {
		t.Fatalf("first_token_ms=%v, want 120", got.FirstTokenMS)
	}
	if got.Prompt != "hello" {
		t.Fatalf("prompt=%q, want untouched hello", got.Prompt)
	}
	if MetadataString(got.Metadata, "step") != "stream" {
		t.Fatalf("metadata=%v, want step=stream", got.Metadata)
	}
}

func TestSQLiteStoreGuardedUpdateReportsConflictAndNotFound(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	ctx := context.Background()
	createSQLiteTestTrace(t, store, "trace-guard", time.Now().UTC())

	success := StatusSuccess
	completedAt := time.Now().UTC()
	duration := int64(50)
	complete := &Update{
		Status:         &success,
		CompletedAt:    &completedAt,
		DurationMS:     &duration,
		Tokens:         &TokenUsage{Input: 10, Output: 15, Total: 25},
		ExpectStatuses: LiveStatuses(),
	}
	if err := store.UpdateTrace(ctx, "trace-guard", complete); err != nil {
		t.Fatalf("first guarded UpdateTrace() error: %v", err)
	}

	err := store.UpdateTrace(ctx, "trace-guard", complete)
	if !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("second guarded UpdateTrace() error=%v, want ErrStatusConflict", err)
	}
	if !strings.Contains(err.Error(), "success") {
		t.Fatalf("conflict error=%q, want current status in message", err)
	}

	if err := store.UpdateTrace(ctx, "missing", complete); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateTrace(missing) error=%v, want ErrNotFound", err)
	}

	got, err := store.GetTrace(ctx, "trace-guard")
	if err != nil {
		t.Fatalf("GetTrace() error: %v", err)
	}
	if got.Tokens == nil || got.Tokens.Total != 25 {
		t.Fatalf("tokens=%+v, want total 25", got.Tokens)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed_at=nil, want set")
	}
}

func TestSQLiteStoreEventsAreSequencedAndCascadeOnDelete(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	ctx := context.Background()
	createSQLiteTestTrace(t, store, "trace-events", time.Now().UTC())

	for i := 0; i < 3; i++ {
		event := &Event{
			TraceID: "trace-events",
			Type:    EventStatusChange,
			Payload: map[string]any{"index": i},
		}
		if err := store.AppendEvent(ctx, event); err != nil {
			t.Fatalf("AppendEvent(%d) error: %v", i, err)
		}
		if event.Seq != int64(i+1) {
			t.Fatalf("event seq=%d, want %d", event.Seq, i+1)
		}
	}

	events, err := store.ListEvents(ctx, "trace-events")
	if err != nil {
		t.Fatalf("ListEvents() error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events)=%d, want 3", len(events))
	}
	if events[2].Payload["index"] != float64(2) {
		t.Fatalf("events[2].payload=%v, want index 2", events[2].Payload)
	}

	if err := store.AppendEvent(ctx, &Event{TraceID: "missing", Type: EventCustom}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("AppendEvent(missing trace) error=%v, want ErrNotFound", err)
	}

	if err := store.DeleteTrace(ctx, "trace-events"); err != nil {
		t.Fatalf("DeleteTrace() error: %v", err)
	}
	var remaining int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM trace_events WHERE trace_id = ?`, "trace-events").Scan(&remaining); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("remaining events=%d, want 0", remaining)
	}
	if err := store.DeleteTrace(ctx, "trace-events"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second DeleteTrace() error=%v, want ErrNotFound", err)
	}
}

func TestSQLiteStoreConcurrentAppendsGetDistinctSequences(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	ctx := context.Background()
	createSQLiteTestTrace(t, store, "trace-concurrent", time.Now().UTC())

	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.AppendEvent(ctx, &Event{TraceID: "trace-concurrent", Type: EventStreamChunk})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("AppendEvent() error: %v", err)
		}
	}

	events, err := store.ListEvents(ctx, "trace-concurrent")
	if err != nil {
		t.Fatalf("ListEvents() error: %v", err)
	}
	if len(events) != writers {
		t.Fatalf("len(events)=%d, want %d", len(events), writers)
	}
	for i, event := range events {
		if event.Seq != int64(i+1) {
			t.Fatalf("events[%d].seq=%d, want %d", i, event.Seq, i+1)
		}
	}
}

func TestSQLiteStoreQueryTracesPaginatesWithCursor(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		createSQLiteTestTrace(t, store, fmt.Sprintf("trace-page-%d", i), base.Add(time.Duration(i)*time.Second))
	}
	other := &Trace{
		ID:        "trace-other-user",
		UserID:    "u2",
		Source:    SourceTest,
		Model:     "gpt-4",
		Prompt:    "x",
		StartedAt: base,
	}
	if err := store.CreateTrace(ctx, other); err != nil {
		t.Fatalf("CreateTrace(other) error: %v", err)
	}

	first, err := store.QueryTraces(ctx, TraceFilter{UserID: "u1", Limit: 2})
	if err != nil {
		t.Fatalf("QueryTraces(first page) error: %v", err)
	}
	if len(first.Items) != 2 || first.Items[0].ID != "trace-page-4" || first.Items[1].ID != "trace-page-3" {
		t.Fatalf("first page=%v, want trace-page-4, trace-page-3", traceIDs(first.Items))
	}
	if first.NextCursor == "" {
		t.Fatal("first page next cursor is empty")
	}

	second, err := store.QueryTraces(ctx, TraceFilter{UserID: "u1", Limit: 2, Cursor: first.NextCursor})
	if err != nil {
		t.Fatalf("QueryTraces(second page) error: %v", err)
	}
	if len(second.Items) != 2 || second.Items[0].ID != "trace-page-2" {
		t.Fatalf("second page=%v, want trace-page-2, trace-page-1", traceIDs(second.Items))
	}

	live, err := store.QueryTraces(ctx, TraceFilter{Statuses: LiveStatuses(), Source: SourceTest})
	if err != nil {
		t.Fatalf("QueryTraces(live test source) error: %v", err)
	}
	if len(live.Items) != 1 || live.Items[0].ID != "trace-other-user" {
		t.Fatalf("live test traces=%v, want trace-other-user", traceIDs(live.Items))
	}

	if _, err := store.QueryTraces(ctx, TraceFilter{Cursor: "%%%"}); !errors.Is(err, ErrInvalidCursor) {
		t.Fatalf("QueryTraces(bad cursor) error=%v, want ErrInvalidCursor", err)
	}
}

func TestSQLiteStoreWindowStats(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	createSQLiteTestTrace(t, store, "live-recent", now.Add(-time.Minute))
	createSQLiteTestTrace(t, store, "ok-recent", now.Add(-2*time.Minute))
	createSQLiteTestTrace(t, store, "err-older", now.Add(-30*time.Minute))
	createSQLiteTestTrace(t, store, "outside-window", now.Add(-3*time.Hour))

	completeSQLiteTestTrace(t, store, "ok-recent", StatusSuccess, 1000)
	completeSQLiteTestTrace(t, store, "err-older", StatusError, 3000)
	completeSQLiteTestTrace(t, store, "outside-window", StatusError, 90000)

	stats, err := store.GetWindowStats(ctx, WindowFilter{
		Since:           now.Add(-time.Hour),
		ThroughputSince: now.Add(-5 * time.Minute),
	})
	if err != nil {
		t.Fatalf("GetWindowStats() error: %v", err)
	}
	if stats.ActiveCount != 1 {
		t.Fatalf("active=%d, want 1", stats.ActiveCount)
	}
	if stats.StartedCount != 3 {
		t.Fatalf("started=%d, want 3", stats.StartedCount)
	}
	if stats.CompletedCount != 2 || stats.ErrorCount != 1 {
		t.Fatalf("completed=%d errors=%d, want 2/1", stats.CompletedCount, stats.ErrorCount)
	}
	if stats.AvgDurationMS != 2000 {
		t.Fatalf("avg duration=%v, want 2000", stats.AvgDurationMS)
	}
	if stats.ThroughputCount != 2 {
		t.Fatalf("throughput count=%d, want 2", stats.ThroughputCount)
	}
}

func newSQLiteTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "promptlab.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func createSQLiteTestTrace(t *testing.T, store *SQLiteStore, id string, startedAt time.Time) {
	t.Helper()

	err := store.CreateTrace(context.Background(), &Trace{
		ID:        id,
		UserID:    "u1",
		Source:    SourceAPI,
		Model:     "gpt-4",
		Prompt:    "hello",
		Status:    StatusPending,
		StartedAt: startedAt,
	})
	if err != nil {
		t.Fatalf("CreateTrace(%s) error: %v", id, err)
	}
}

func completeSQLiteTestTrace(t *testing.T, store *SQLiteStore, id string, status Status, durationMS int64) {
	t.Helper()

	completedAt := time.Now().UTC()
	err := store.UpdateTrace(context.Background(), id, &Update{
		Status:         &status,
		CompletedAt:    &completedAt,
		DurationMS:     &durationMS,
		ExpectStatuses: LiveStatuses(),
	})
	if err != nil {
		t.Fatalf("complete %s: %v", id, err)
	}
}

func traceIDs(items []*Trace) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	return ids
}
