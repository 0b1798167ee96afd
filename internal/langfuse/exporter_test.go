package langfuse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/promptlab/promptlab/internal/trace"
)

type countingIngester struct {
	mu      sync.Mutex
	calls   int
	traces  int
	batches [][]Event
}

func (i *countingIngester) Ingest(_ context.Context, events []Event) (*IngestionResult, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls++
	i.batches = append(i.batches, events)
	for _, event := range events {
		if event.Type == EventTraceCreate {
			i.traces++
		}
	}
	return &IngestionResult{}, nil
}

func (i *countingIngester) Traces() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.traces
}

type blockingIngester struct {
	countingIngester
	started chan struct{}
	release chan struct{}
}

func (i *blockingIngester) Ingest(ctx context.Context, events []Event) (*IngestionResult, error) {
	result, _ := i.countingIngester.Ingest(ctx, events)
	i.mu.Lock()
	first := i.calls == 1
	i.mu.Unlock()
	if first {
		close(i.started)
		<-i.release
	}
	return result, nil
}

type contextAwareIngester struct {
	started chan struct{}
	once    sync.Once
}

func (i *contextAwareIngester) Ingest(ctx context.Context, _ []Event) (*IngestionResult, error) {
	i.once.Do(func() { close(i.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

// failingTraceIngester rejects any batch containing one of the listed trace IDs.
type failingTraceIngester struct {
	countingIngester
	failing map[string]bool
}

func (i *failingTraceIngester) Ingest(ctx context.Context, events []Event) (*IngestionResult, error) {
	for _, event := range events {
		body, ok := event.Body.(TraceBody)
		if ok && i.failing[body.ID] {
			i.mu.Lock()
			i.calls++
			i.mu.Unlock()
			return nil, &APIError{StatusCode: 503, Body: "unavailable"}
		}
	}
	return i.countingIngester.Ingest(ctx, events)
}

type rejectingIngester struct{}

func (rejectingIngester) Ingest(_ context.Context, events []Event) (*IngestionResult, error) {
	result := &IngestionResult{}
	for _, event := range events {
		if event.Type == EventGenerationCreate {
			result.Errors = append(result.Errors, IngestionError{ID: event.ID, Status: 400, Message: "invalid usage"})
			continue
		}
		result.Successes = append(result.Successes, IngestionSuccess{ID: event.ID, Status: 201})
	}
	return result, nil
}

func completedTrace(id string) *trace.Trace {
	return &trace.Trace{
		ID:        id,
		UserID:    "user-1",
		Source:    trace.SourceAPI,
		Model:     "gpt-4o-mini",
		Prompt:    "hello",
		Status:    trace.StatusSuccess,
		StartedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestExporterDrainsQueueWhenStopped(t *testing.T) {
	t.Parallel()

	ingester := &countingIngester{}
	exporter := NewExporter(ingester, ExporterOptions{QueueSize: 8})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exporter.Start(ctx)
	for i := 0; i < 4; i++ {
		if !exporter.Enqueue(completedTrace(fmt.Sprintf("trace-%d", i))) {
			t.Fatalf("enqueue failed at index %d", i)
		}
	}
	exporter.Stop()

	if got := ingester.Traces(); got != 4 {
		t.Fatalf("exported traces=%d, want 4", got)
	}
	if got := exporter.ExportDiagnostics().ExportedTotal; got != 4 {
		t.Fatalf("exported_total=%d, want 4", got)
	}
}

func TestExporterBatchesQueuedTraces(t *testing.T) {
	t.Parallel()

	ingester := &blockingIngester{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	exporter := NewExporter(ingester, ExporterOptions{QueueSize: 8, BatchSize: 8})
	exporter.Start(context.Background())

	if !exporter.Enqueue(completedTrace("first")) {
		t.Fatal("first enqueue failed")
	}
	select {
	case <-ingester.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first ingest to block")
	}
	for i := 0; i < 4; i++ {
		if !exporter.Enqueue(completedTrace(fmt.Sprintf("queued-%d", i))) {
			t.Fatalf("enqueue failed at index %d", i)
		}
	}
	close(ingester.release)
	exporter.Stop()

	ingester.mu.Lock()
	defer ingester.mu.Unlock()
	if ingester.calls != 2 {
		t.Fatalf("ingest calls=%d, want 2", ingester.calls)
	}
	if ingester.traces != 5 {
		t.Fatalf("exported traces=%d, want 5", ingester.traces)
	}
}

func TestExporterEnqueueReturnsFalseWhenQueueIsFull(t *testing.T) {
	t.Parallel()

	ingester := &blockingIngester{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	exporter := NewExporter(ingester, ExporterOptions{QueueSize: 1})
	drops := 0
	exporter.SetMetrics(&ExporterMetrics{OnDrop: func() { drops++ }})
	exporter.Start(context.Background())

	if !exporter.Enqueue(completedTrace("trace-1")) {
		t.Fatal("first enqueue unexpectedly failed")
	}
	select {
	case <-ingester.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first ingest to block")
	}

	if !exporter.Enqueue(completedTrace("trace-2")) {
		t.Fatal("second enqueue unexpectedly failed")
	}
	if exporter.Enqueue(completedTrace("trace-3")) {
		t.Fatal("third enqueue should fail when queue is full")
	}

	diagnostics := exporter.ExportDiagnostics()
	if diagnostics.QueuePressureState != QueuePressureSaturated {
		t.Fatalf("queue pressure=%q, want %q", diagnostics.QueuePressureState, QueuePressureSaturated)
	}
	if diagnostics.EnqueueDroppedTotal != 1 || diagnostics.LastEnqueueDropAt == nil {
		t.Fatalf("enqueue drop diagnostics=%+v", diagnostics)
	}
	if drops != 1 {
		t.Fatalf("drop callbacks=%d, want 1", drops)
	}

	close(ingester.release)
	exporter.Stop()

	if got := ingester.Traces(); got != 2 {
		t.Fatalf("exported traces=%d, want 2", got)
	}
}

func TestExporterFallsBackToPerTraceIngestion(t *testing.T) {
	t.Parallel()

	ingester := &failingTraceIngester{failing: map[string]bool{"bad": true}}
	exporter := NewExporter(ingester, ExporterOptions{QueueSize: 8, BatchSize: 8})
	failures := make(chan ExportFailure, 4)
	exporter.SetExportFailureHandler(func(failure ExportFailure) {
		failures <- failure
	})

	// Enqueue before Start so the first batch holds all three traces.
	for _, id := range []string{"good-1", "bad", "good-2"} {
		if !exporter.Enqueue(completedTrace(id)) {
			t.Fatalf("enqueue %s failed", id)
		}
	}
	exporter.Start(context.Background())
	exporter.Stop()

	if got := ingester.Traces(); got != 2 {
		t.Fatalf("exported traces=%d, want 2", got)
	}

	select {
	case failure := <-failures:
		if failure.Operation != "ingest_batch_fallback" {
			t.Fatalf("operation=%q, want ingest_batch_fallback", failure.Operation)
		}
		if failure.FailedCount != 1 || failure.BatchSize != 3 {
			t.Fatalf("failure counts=%+v", failure)
		}
		if failure.ErrorClass != ExportErrorClassServer {
			t.Fatalf("error class=%q, want %q", failure.ErrorClass, ExportErrorClassServer)
		}
	default:
		t.Fatal("expected an export failure signal")
	}

	diagnostics := exporter.ExportDiagnostics()
	if diagnostics.ExportedTotal != 2 || diagnostics.ExportDroppedTotal != 1 {
		t.Fatalf("diagnostics=%+v", diagnostics)
	}
	if diagnostics.LastExportDropOperation != "ingest_batch_fallback" {
		t.Fatalf("last drop operation=%q", diagnostics.LastExportDropOperation)
	}
	if diagnostics.ExportFailuresByClass[ExportErrorClassServer] != 1 {
		t.Fatalf("failures by class=%v", diagnostics.ExportFailuresByClass)
	}
}

func TestExporterCountsRejectedEvents(t *testing.T) {
	t.Parallel()

	exporter := NewExporter(rejectingIngester{}, ExporterOptions{QueueSize: 4})
	var failure ExportFailure
	exporter.SetExportFailureHandler(func(f ExportFailure) { failure = f })

	exporter.Enqueue(completedTrace("rejected"))
	exporter.Start(context.Background())
	exporter.Stop()

	if failure.Operation != "ingest_rejected" || failure.ErrorClass != ExportErrorClassRejected {
		t.Fatalf("failure=%+v", failure)
	}
	if failure.FailedCount != 1 {
		t.Fatalf("failed count=%d, want 1", failure.FailedCount)
	}
	if got := exporter.ExportDiagnostics().ExportedTotal; got != 0 {
		t.Fatalf("exported_total=%d, want 0", got)
	}
}

func TestExporterShutdownHonorsContextDeadline(t *testing.T) {
	t.Parallel()

	ingester := &blockingIngester{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	exporter := NewExporter(ingester, ExporterOptions{QueueSize: 1})
	exporter.Start(context.Background())

	if !exporter.Enqueue(completedTrace("trace-1")) {
		t.Fatal("enqueue unexpectedly failed")
	}
	select {
	case <-ingester.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ingest to block")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()
	if err := exporter.Shutdown(shutdownCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("shutdown err=%v, want %v", err, context.DeadlineExceeded)
	}

	close(ingester.release)
	if err := exporter.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown after release err=%v, want nil", err)
	}
}

func TestExporterShutdownCancelsInflightIngest(t *testing.T) {
	t.Parallel()

	ingester := &contextAwareIngester{started: make(chan struct{})}
	exporter := NewExporter(ingester, ExporterOptions{QueueSize: 1})
	exporter.Start(context.Background())

	if !exporter.Enqueue(completedTrace("trace-timeout")) {
		t.Fatal("enqueue unexpectedly failed")
	}
	select {
	case <-ingester.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ingest to start")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()
	if err := exporter.Shutdown(shutdownCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("shutdown err=%v, want %v", err, context.DeadlineExceeded)
	}

	finalCtx, finalCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer finalCancel()
	if err := exporter.Shutdown(finalCtx); err != nil {
		t.Fatalf("shutdown after cancellation err=%v, want nil", err)
	}
}

func TestExporterStopIsIdempotentWithoutStart(t *testing.T) {
	t.Parallel()

	exporter := NewExporter(&countingIngester{}, ExporterOptions{QueueSize: 1})
	exporter.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		exporter.Stop()
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second stop call blocked")
	}

	if exporter.Enqueue(completedTrace("after-stop")) {
		t.Fatal("enqueue should fail after stop")
	}
}

func TestClassifyExportError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ExportErrorClassUnknown},
		{name: "rate limited", err: &APIError{StatusCode: 429}, want: ExportErrorClassRateLimited},
		{name: "server", err: fmt.Errorf("wrap: %w", &APIError{StatusCode: 502}), want: ExportErrorClassServer},
		{name: "client", err: &APIError{StatusCode: 401}, want: ExportErrorClassClient},
		{name: "deadline", err: context.DeadlineExceeded, want: ExportErrorClassTimeout},
		{name: "refused", err: errors.New("dial tcp 127.0.0.1:1: connect: connection refused"), want: ExportErrorClassConnection},
		{name: "other", err: errors.New("boom"), want: ExportErrorClassUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyExportError(tt.err); got != tt.want {
				t.Fatalf("ClassifyExportError(%v)=%q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
