package langfuse

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/promptlab/promptlab/internal/trace"
)

const (
	defaultQueueSize = 256
	defaultBatchSize = 32
)

const (
	QueuePressureOK        = "ok"
	QueuePressureElevated  = "elevated"
	QueuePressureHigh      = "high"
	QueuePressureSaturated = "saturated"
)

const (
	ExportErrorClassConnection  = "connection"
	ExportErrorClassTimeout     = "timeout"
	ExportErrorClassRateLimited = "rate_limited"
	ExportErrorClassClient      = "client"
	ExportErrorClassServer      = "server"
	ExportErrorClassRejected    = "rejected"
	ExportErrorClassUnknown     = "unknown"
)

// Ingester is the slice of Client the exporter needs.
type Ingester interface {
	Ingest(ctx context.Context, events []Event) (*IngestionResult, error)
}

// DiagnosticsReader exposes runtime queue/drop diagnostics.
type DiagnosticsReader interface {
	ExportDiagnostics() Diagnostics
}

// Diagnostics captures export queue pressure and drop signals.
type Diagnostics struct {
	Enabled                          bool             `json:"enabled"`
	Host                             string           `json:"host,omitempty"`
	BatchSize                        int              `json:"batch_size"`
	FlushIntervalMS                  int64            `json:"flush_interval_ms"`
	QueueCapacity                    int              `json:"queue_capacity"`
	QueueDepth                       int              `json:"queue_depth"`
	QueueDepthHighWatermark          int              `json:"queue_depth_high_watermark"`
	QueueUtilizationPct              int              `json:"queue_utilization_pct"`
	QueueHighWatermarkUtilizationPct int              `json:"queue_high_watermark_utilization_pct"`
	QueuePressureState               string           `json:"queue_pressure_state"`
	QueueHighWatermarkPressureState  string           `json:"queue_high_watermark_pressure_state"`
	EnqueueAcceptedTotal             int64            `json:"enqueue_accepted_total"`
	EnqueueDroppedTotal              int64            `json:"enqueue_dropped_total"`
	ExportedTotal                    int64            `json:"exported_total"`
	ExportDroppedTotal               int64            `json:"export_dropped_total"`
	TotalDroppedTotal                int64            `json:"total_dropped_total"`
	LastExportAt                     *time.Time       `json:"last_export_at,omitempty"`
	LastEnqueueDropAt                *time.Time       `json:"last_enqueue_drop_at,omitempty"`
	LastExportDropAt                 *time.Time       `json:"last_export_drop_at,omitempty"`
	LastExportDropOperation          string           `json:"last_export_drop_operation,omitempty"`
	ExportFailuresByClass            map[string]int64 `json:"export_failures_by_class,omitempty"`
}

// ExportFailure describes traces that could not be delivered.
type ExportFailure struct {
	Operation   string
	BatchSize   int
	FailedCount int
	Err         error
	ErrorClass  string
}

// ExportFailureHandler receives asynchronous export failure signals.
type ExportFailureHandler func(ExportFailure)

var noopExportFailureHandler = ExportFailureHandler(func(ExportFailure) {})

// ExporterMetrics holds optional callbacks the Exporter invokes at key pipeline points.
type ExporterMetrics struct {
	// OnEnqueue is called each time a trace is placed on the queue.
	OnEnqueue func()
	// OnDrop is called each time a trace is dropped because the queue is full.
	OnDrop func()
	// OnFlush is called after each batch is sent.
	OnFlush func(batchSize int, duration time.Duration)
	// OnExportStart is called before each ingestion call. It returns an end
	// function that the exporter calls once the call completes.
	OnExportStart func(batchSize int) func(error)
}

type ExporterOptions struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	Host          string
	Now           func() time.Time
	NewID         func() string
}

// Exporter forwards completed traces to Langfuse from a single background
// worker. Enqueue never blocks; a full queue drops the trace and counts it.
type Exporter struct {
	ingester      Ingester
	queue         chan *trace.Trace
	batchSize     int
	flushInterval time.Duration
	host          string
	now           func() time.Time
	newID         func() string
	wg            sync.WaitGroup

	started             atomic.Bool
	stopped             atomic.Bool
	stopOnce            sync.Once
	doneOnce            sync.Once
	done                chan struct{}
	queueMu             sync.RWMutex
	lifecycleMu         sync.RWMutex
	workerCancel        context.CancelFunc
	exportFailureHandle atomic.Value // ExportFailureHandler
	metrics             atomic.Value // *ExporterMetrics

	queueDepthHighWatermark atomic.Int64
	enqueueAcceptedTotal    atomic.Int64
	enqueueDroppedTotal     atomic.Int64
	exportedTotal           atomic.Int64
	exportDroppedTotal      atomic.Int64
	lastExportUnixNano      atomic.Int64
	lastEnqueueDropUnixNano atomic.Int64
	lastExportDropUnixNano  atomic.Int64
	lastExportDropOperation atomic.Value // string

	failureMu      sync.Mutex
	failureByClass map[string]int64
}

func NewExporter(ingester Ingester, opts ExporterOptions) *Exporter {
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	exporter := &Exporter{
		ingester:       ingester,
		queue:          make(chan *trace.Trace, queueSize),
		batchSize:      batchSize,
		flushInterval:  opts.FlushInterval,
		host:           opts.Host,
		now:            now,
		newID:          newID,
		done:           make(chan struct{}),
		failureByClass: make(map[string]int64),
	}
	exporter.exportFailureHandle.Store(noopExportFailureHandler)
	exporter.metrics.Store(&ExporterMetrics{})
	exporter.lastExportDropOperation.Store("")
	return exporter
}

// SetExportFailureHandler replaces the callback used for dropped export signals.
func (e *Exporter) SetExportFailureHandler(handler ExportFailureHandler) {
	if e == nil {
		return
	}
	if handler == nil {
		handler = noopExportFailureHandler
	}
	e.exportFailureHandle.Store(handler)
}

// SetMetrics replaces the metric callbacks used by the export pipeline.
func (e *Exporter) SetMetrics(m *ExporterMetrics) {
	if e == nil {
		return
	}
	if m == nil {
		m = &ExporterMetrics{}
	}
	e.metrics.Store(m)
}

func (e *Exporter) loadMetrics() *ExporterMetrics {
	m, _ := e.metrics.Load().(*ExporterMetrics)
	return m
}

// QueueLen returns the number of traces waiting to be exported.
func (e *Exporter) QueueLen() int {
	if e == nil {
		return 0
	}
	return len(e.queue)
}

func (e *Exporter) Start(ctx context.Context) {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		// Keep the exporter usable when Start is called without a live context.
		ctx = context.Background()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	e.lifecycleMu.Lock()
	e.workerCancel = cancel
	e.lifecycleMu.Unlock()

	e.wg.Add(1)
	go func(workerCtx context.Context) {
		defer e.wg.Done()
		defer e.markDone()

		for {
			select {
			case <-workerCtx.Done():
				return
			case t, ok := <-e.queue:
				if !ok {
					return
				}
				batch := make([]*trace.Trace, 0, e.batchSize)
				if t != nil {
					batch = append(batch, t)
				}
				batch, closed := e.collect(workerCtx, batch)
				if closed {
					// Use a fresh context so the final flush is not rejected
					// because the worker context was cancelled.
					e.flushBatch(context.Background(), batch)
					return
				}
				e.flushBatch(workerCtx, batch)
			}
		}
	}(workerCtx)
}

// collect fills batch until it is full, the queue is momentarily empty (no
// flush interval) or the flush interval elapses. closed reports that the
// worker must stop after flushing.
func (e *Exporter) collect(workerCtx context.Context, batch []*trace.Trace) ([]*trace.Trace, bool) {
	var (
		timer   *time.Timer
		timeout <-chan time.Time
	)
	if e.flushInterval > 0 {
		timer = time.NewTimer(e.flushInterval)
		defer timer.Stop()
		timeout = timer.C
	}

	for len(batch) < e.batchSize {
		if timeout == nil {
			select {
			case <-workerCtx.Done():
				return batch, true
			case next, ok := <-e.queue:
				if !ok {
					return batch, true
				}
				if next != nil {
					batch = append(batch, next)
				}
			default:
				return batch, false
			}
			continue
		}

		select {
		case <-workerCtx.Done():
			return batch, true
		case next, ok := <-e.queue:
			if !ok {
				return batch, true
			}
			if next != nil {
				batch = append(batch, next)
			}
		case <-timeout:
			return batch, false
		}
	}
	return batch, false
}

func (e *Exporter) Enqueue(t *trace.Trace) bool {
	if e == nil || e.stopped.Load() {
		return false
	}
	e.queueMu.RLock()
	defer e.queueMu.RUnlock()
	if e.stopped.Load() {
		return false
	}

	select {
	case e.queue <- t:
		e.enqueueAcceptedTotal.Add(1)
		e.observeQueueDepth(len(e.queue))
		if m := e.loadMetrics(); m != nil && m.OnEnqueue != nil {
			m.OnEnqueue()
		}
		return true
	default:
		e.enqueueDroppedTotal.Add(1)
		e.observeQueueDepth(cap(e.queue))
		e.lastEnqueueDropUnixNano.Store(time.Now().UTC().UnixNano())
		if m := e.loadMetrics(); m != nil && m.OnDrop != nil {
			m.OnDrop()
		}
		return false
	}
}

func (e *Exporter) Stop() {
	_ = e.Shutdown(context.Background())
}

// Shutdown stops accepting traces, drains the queue and waits for the worker
// until ctx is done.
func (e *Exporter) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	e.stopOnce.Do(func() {
		e.stopped.Store(true)
		e.queueMu.Lock()
		close(e.queue)
		e.queueMu.Unlock()
		if !e.started.Load() {
			e.markDone()
		}
	})

	select {
	case <-e.done:
		e.wg.Wait()
		e.cancelWorker()
		return nil
	case <-ctx.Done():
		e.cancelWorker()
		return ctx.Err()
	}
}

func (e *Exporter) cancelWorker() {
	e.lifecycleMu.RLock()
	cancel := e.workerCancel
	e.lifecycleMu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Exporter) markDone() {
	e.doneOnce.Do(func() {
		close(e.done)
	})
}

func (e *Exporter) flushBatch(ctx context.Context, batch []*trace.Trace) {
	if len(batch) == 0 {
		return
	}
	start := time.Now()
	if m := e.loadMetrics(); m != nil && m.OnExportStart != nil {
		droppedBefore := e.exportDroppedTotal.Load()
		endSpan := m.OnExportStart(len(batch))
		defer func() {
			var exportErr error
			if e.exportDroppedTotal.Load() > droppedBefore {
				exportErr = errors.New("batch had export failures")
			}
			endSpan(exportErr)
		}()
	}
	defer func() {
		if m := e.loadMetrics(); m != nil && m.OnFlush != nil {
			m.OnFlush(len(batch), time.Since(start))
		}
	}()

	now := e.now()
	events := make([]Event, 0, len(batch)*3)
	owners := make(map[string]string, len(batch)*3)
	for _, t := range batch {
		for _, event := range BuildEvents(t, e.newID, now) {
			owners[event.ID] = t.ID
			events = append(events, event)
		}
	}

	result, err := e.ingester.Ingest(ctx, events)
	if err != nil {
		if len(batch) == 1 {
			e.reportExportFailure(ExportFailure{
				Operation:   "ingest_trace",
				BatchSize:   1,
				FailedCount: 1,
				Err:         err,
			})
			return
		}
		e.fallbackPerTrace(ctx, batch, now, err)
		return
	}

	rejected := rejectedTraces(result, owners)
	if len(rejected) > 0 {
		e.reportExportFailure(ExportFailure{
			Operation:   "ingest_rejected",
			BatchSize:   len(batch),
			FailedCount: len(rejected),
			Err:         rejectionError(result),
			ErrorClass:  ExportErrorClassRejected,
		})
	}
	e.recordExported(len(batch) - len(rejected))
}

// fallbackPerTrace resends traces one at a time so a batch-level failure does
// not drop every trace in the batch.
func (e *Exporter) fallbackPerTrace(ctx context.Context, batch []*trace.Trace, now time.Time, batchErr error) {
	failed := 0
	var fallbackErr error
	for _, t := range batch {
		result, err := e.ingester.Ingest(ctx, BuildEvents(t, e.newID, now))
		if err == nil && len(result.Errors) > 0 {
			err = rejectionError(result)
		}
		if err != nil {
			failed++
			if fallbackErr == nil {
				fallbackErr = err
			}
			continue
		}
		e.recordExported(1)
	}
	if failed > 0 {
		e.reportExportFailure(ExportFailure{
			Operation:   "ingest_batch_fallback",
			BatchSize:   len(batch),
			FailedCount: failed,
			Err:         errors.Join(batchErr, fallbackErr),
		})
	}
}

func rejectedTraces(result *IngestionResult, owners map[string]string) map[string]struct{} {
	rejected := make(map[string]struct{})
	if result == nil {
		return rejected
	}
	for _, item := range result.Errors {
		if traceID, ok := owners[item.ID]; ok {
			rejected[traceID] = struct{}{}
		}
	}
	return rejected
}

func rejectionError(result *IngestionResult) error {
	if result == nil || len(result.Errors) == 0 {
		return nil
	}
	first := result.Errors[0]
	return fmt.Errorf("langfuse rejected %d events; first %s: http %d %s", len(result.Errors), first.ID, first.Status, first.Message)
}

func (e *Exporter) recordExported(count int) {
	if count <= 0 {
		return
	}
	e.exportedTotal.Add(int64(count))
	e.lastExportUnixNano.Store(time.Now().UTC().UnixNano())
}

func (e *Exporter) reportExportFailure(failure ExportFailure) {
	if failure.FailedCount <= 0 {
		return
	}
	if failure.ErrorClass == "" {
		failure.ErrorClass = ClassifyExportError(failure.Err)
	}
	e.exportDroppedTotal.Add(int64(failure.FailedCount))
	e.lastExportDropUnixNano.Store(time.Now().UTC().UnixNano())
	if failure.Operation != "" {
		e.lastExportDropOperation.Store(failure.Operation)
	}
	e.failureMu.Lock()
	e.failureByClass[failure.ErrorClass] += int64(failure.FailedCount)
	e.failureMu.Unlock()

	handler, ok := e.exportFailureHandle.Load().(ExportFailureHandler)
	if !ok || handler == nil {
		return
	}
	handler(failure)
}

// ClassifyExportError buckets an ingestion failure for metrics and logs.
func ClassifyExportError(err error) string {
	if err == nil {
		return ExportErrorClassUnknown
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return ExportErrorClassRateLimited
		case apiErr.StatusCode >= http.StatusInternalServerError:
			return ExportErrorClassServer
		case apiErr.StatusCode >= http.StatusBadRequest:
			return ExportErrorClassClient
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ExportErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ExportErrorClassTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ExportErrorClassConnection
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"), strings.Contains(msg, "connection reset"):
		return ExportErrorClassConnection
	case strings.Contains(msg, "timeout"):
		return ExportErrorClassTimeout
	default:
		return ExportErrorClassUnknown
	}
}

// ExportDiagnostics returns a point-in-time snapshot of queue pressure and
// dropped-trace counters.
func (e *Exporter) ExportDiagnostics() Diagnostics {
	if e == nil {
		return Diagnostics{}
	}

	queueCapacity := cap(e.queue)
	queueDepth := len(e.queue)
	queueDepthHighWatermark := int(e.queueDepthHighWatermark.Load())
	if queueDepth > queueDepthHighWatermark {
		queueDepthHighWatermark = queueDepth
	}

	queueUtilPct := queueUtilizationPct(queueDepth, queueCapacity)
	queueHighWatermarkUtilPct := queueUtilizationPct(queueDepthHighWatermark, queueCapacity)

	enqueueDropped := e.enqueueDroppedTotal.Load()
	exportDropped := e.exportDroppedTotal.Load()

	snapshot := Diagnostics{
		Enabled:                          true,
		Host:                             e.host,
		BatchSize:                        e.batchSize,
		FlushIntervalMS:                  e.flushInterval.Milliseconds(),
		QueueCapacity:                    queueCapacity,
		QueueDepth:                       queueDepth,
		QueueDepthHighWatermark:          queueDepthHighWatermark,
		QueueUtilizationPct:              queueUtilPct,
		QueueHighWatermarkUtilizationPct: queueHighWatermarkUtilPct,
		QueuePressureState:               queuePressureState(queueUtilPct),
		QueueHighWatermarkPressureState:  queuePressureState(queueHighWatermarkUtilPct),
		EnqueueAcceptedTotal:             e.enqueueAcceptedTotal.Load(),
		EnqueueDroppedTotal:              enqueueDropped,
		ExportedTotal:                    e.exportedTotal.Load(),
		ExportDroppedTotal:               exportDropped,
		TotalDroppedTotal:                enqueueDropped + exportDropped,
	}

	snapshot.LastExportAt = unixNanoPtr(e.lastExportUnixNano.Load())
	snapshot.LastEnqueueDropAt = unixNanoPtr(e.lastEnqueueDropUnixNano.Load())
	snapshot.LastExportDropAt = unixNanoPtr(e.lastExportDropUnixNano.Load())
	if operation, ok := e.lastExportDropOperation.Load().(string); ok {
		snapshot.LastExportDropOperation = operation
	}

	e.failureMu.Lock()
	if len(e.failureByClass) > 0 {
		snapshot.ExportFailuresByClass = make(map[string]int64, len(e.failureByClass))
		for class, count := range e.failureByClass {
			snapshot.ExportFailuresByClass[class] = count
		}
	}
	e.failureMu.Unlock()

	return snapshot
}

func unixNanoPtr(ts int64) *time.Time {
	if ts <= 0 {
		return nil
	}
	value := time.Unix(0, ts).UTC()
	return &value
}

func (e *Exporter) observeQueueDepth(depth int) {
	if depth < 0 {
		return
	}
	depthValue := int64(depth)
	for {
		current := e.queueDepthHighWatermark.Load()
		if depthValue <= current {
			return
		}
		if e.queueDepthHighWatermark.CompareAndSwap(current, depthValue) {
			return
		}
	}
}

func queueUtilizationPct(depth, capacity int) int {
	if capacity <= 0 || depth <= 0 {
		return 0
	}
	if depth >= capacity {
		return 100
	}
	return int((int64(depth) * 100) / int64(capacity))
}

func queuePressureState(utilizationPct int) string {
	switch {
	case utilizationPct >= 100:
		return QueuePressureSaturated
	case utilizationPct >= 80:
		return QueuePressureHigh
	case utilizationPct >= 50:
		return QueuePressureElevated
	default:
		return QueuePressureOK
	}
}
