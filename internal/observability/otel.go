package observability

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/promptlab/promptlab/internal/auth"
	"github.com/promptlab/promptlab/internal/config"
	"github.com/promptlab/promptlab/internal/correlation"
	"github.com/promptlab/promptlab/internal/langfuse"
	"github.com/promptlab/promptlab/internal/trace"
)

const (
	instrumentationName = "promptlab"

	metricTracesStarted    = "promptlab.traces.started_total"
	metricTracesCompleted  = "promptlab.traces.completed_total"
	metricTraceDuration    = "promptlab.traces.duration_ms"
	metricStoreErrors      = "promptlab.store.errors_total"
	metricExportQueueDrops = "promptlab.langfuse.queue_dropped_total"
	metricExportFailures   = "promptlab.langfuse.export_failed_total"
	metricExportFlush      = "promptlab.langfuse.flush_duration_ms"

	spanLangfuseIngest = "promptlab.langfuse.ingest"
)

// Runtime exposes OpenTelemetry HTTP wrappers and tracker metric hooks. A nil
// or disabled Runtime is safe to use and records nothing.
type Runtime struct {
	enabled bool
	tracer  oteltrace.Tracer

	tracesStartedCounter   metric.Int64Counter
	tracesCompletedCounter metric.Int64Counter
	traceDurationHistogram metric.Int64Histogram
	storeErrorCounter      metric.Int64Counter
	exportDropCounter      metric.Int64Counter
	exportFailureCounter   metric.Int64Counter
	exportFlushHistogram   metric.Float64Histogram

	shutdownFns []func(context.Context) error
}

// Setup initializes OpenTelemetry providers and runtime hooks.
func Setup(ctx context.Context, cfg config.OTelConfig, serviceVersion string, logger *slog.Logger) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	runtime := &Runtime{}
	if !cfg.Enabled {
		return runtime, nil
	}

	exportTimeout := time.Duration(cfg.ExportTimeoutMS) * time.Millisecond
	metricInterval := time.Duration(cfg.MetricExportIntervalMS) * time.Millisecond
	otlpEndpoint, inferredInsecure, err := normalizeOTLPEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	insecure := cfg.Insecure
	if strings.Contains(strings.TrimSpace(cfg.Endpoint), "://") {
		// An explicit URL scheme wins over the insecure toggle.
		insecure = inferredInsecure
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", strings.TrimSpace(cfg.ServiceName)),
		attribute.String("service.version", strings.TrimSpace(serviceVersion)),
	)

	if cfg.TracesEnabled {
		traceExporterOptions := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(otlpEndpoint),
			otlptracehttp.WithTimeout(exportTimeout),
		}
		if insecure {
			traceExporterOptions = append(traceExporterOptions, otlptracehttp.WithInsecure())
		}
		traceExporter, err := otlptracehttp.New(ctx, traceExporterOptions...)
		if err != nil {
			return nil, fmt.Errorf("initialize otel trace exporter: %w", err)
		}

		tracerProvider := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRatio))),
			sdktrace.WithBatcher(newScrubbingExporter(traceExporter)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tracerProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, tracerProvider.Shutdown)
	}

	if cfg.MetricsEnabled {
		metricExporterOptions := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(otlpEndpoint),
			otlpmetrichttp.WithTimeout(exportTimeout),
		}
		if insecure {
			metricExporterOptions = append(metricExporterOptions, otlpmetrichttp.WithInsecure())
		}
		metricExporter, err := otlpmetrichttp.New(ctx, metricExporterOptions...)
		if err != nil {
			_ = runtime.Shutdown(context.Background())
			return nil, fmt.Errorf("initialize otel metric exporter: %w", err)
		}

		reader := sdkmetric.NewPeriodicReader(
			metricExporter,
			sdkmetric.WithInterval(metricInterval),
			sdkmetric.WithTimeout(exportTimeout),
		)
		meterProvider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		)
		otel.SetMeterProvider(meterProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, meterProvider.Shutdown)
	}

	otel.SetTextMapPropagator(propagation.TraceContext{})

	runtime.tracer = otel.Tracer(instrumentationName)
	runtime.initInstruments(otel.Meter(instrumentationName), logger)
	runtime.enabled = true
	if logger != nil {
		logger.Info(
			"opentelemetry enabled",
			"otel_endpoint", otlpEndpoint,
			"otel_traces_enabled", cfg.TracesEnabled,
			"otel_metrics_enabled", cfg.MetricsEnabled,
			"otel_sampling_ratio", cfg.SamplingRatio,
		)
	}

	return runtime, nil
}

func (r *Runtime) initInstruments(meter metric.Meter, logger *slog.Logger) {
	warn := func(name string, err error) {
		if err != nil && logger != nil {
			logger.Warn("failed to create opentelemetry instrument", "metric", name, "error", err)
		}
	}

	var err error
	r.tracesStartedCounter, err = meter.Int64Counter(
		metricTracesStarted,
		metric.WithDescription("Count of traces started, by source."),
	)
	warn(metricTracesStarted, err)

	r.tracesCompletedCounter, err = meter.Int64Counter(
		metricTracesCompleted,
		metric.WithDescription("Count of traces that reached a terminal status."),
	)
	warn(metricTracesCompleted, err)

	r.traceDurationHistogram, err = meter.Int64Histogram(
		metricTraceDuration,
		metric.WithDescription("Wall-clock duration of completed traces."),
		metric.WithUnit("ms"),
	)
	warn(metricTraceDuration, err)

	r.storeErrorCounter, err = meter.Int64Counter(
		metricStoreErrors,
		metric.WithDescription("Count of trace store operations that failed."),
	)
	warn(metricStoreErrors, err)

	r.exportDropCounter, err = meter.Int64Counter(
		metricExportQueueDrops,
		metric.WithDescription("Count of traces dropped because the Langfuse export queue was full."),
	)
	warn(metricExportQueueDrops, err)

	r.exportFailureCounter, err = meter.Int64Counter(
		metricExportFailures,
		metric.WithDescription("Count of traces that failed to reach Langfuse."),
	)
	warn(metricExportFailures, err)

	r.exportFlushHistogram, err = meter.Float64Histogram(
		metricExportFlush,
		metric.WithDescription("Duration of Langfuse export batches."),
		metric.WithUnit("ms"),
	)
	warn(metricExportFlush, err)
}

// Enabled reports whether OpenTelemetry instrumentation is active.
func (r *Runtime) Enabled() bool {
	return r != nil && r.enabled
}

// WrapHTTPHandler wraps an inbound HTTP handler with OpenTelemetry spans.
func (r *Runtime) WrapHTTPHandler(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}
	return otelhttp.NewHandler(
		next,
		"promptlab.request",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return serverSpanName(req.Method, req.URL.Path)
		}),
	)
}

// SpanEnrichmentMiddleware tags the request span with the caller and request
// id, and marks 5xx responses as errors.
func (r *Runtime) SpanEnrichmentMiddleware(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusCapturingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(recorder, req)

		span := oteltrace.SpanFromContext(req.Context())
		if span == nil || !span.IsRecording() {
			return
		}

		statusCode := recorder.StatusCode()
		if statusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, fmt.Sprintf("http %d", statusCode))
		}

		attrs := make([]attribute.KeyValue, 0, 4)
		if requestID, ok := correlation.FromContext(req.Context()); ok {
			attrs = append(attrs, attribute.String("promptlab.request_id", requestID))
		}
		if identity, ok := auth.IdentityFromContext(req.Context()); ok && identity != nil {
			if userID := strings.TrimSpace(identity.UserID); userID != "" {
				attrs = append(attrs, attribute.String("promptlab.user_id", userID))
			}
			if keyID := strings.TrimSpace(identity.KeyID); keyID != "" {
				attrs = append(attrs, attribute.String("promptlab.key_id", keyID))
			}
			if role := strings.TrimSpace(identity.Role); role != "" {
				attrs = append(attrs, attribute.String("promptlab.role", role))
			}
		}
		if len(attrs) > 0 {
			span.SetAttributes(attrs...)
		}
	})
}

// WrapHTTPTransport wraps an outbound HTTP transport with OpenTelemetry spans.
func (r *Runtime) WrapHTTPTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if !r.Enabled() {
		return base
	}
	return otelhttp.NewTransport(
		base,
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return "outbound " + normalizedMethod(req.Method) + " " + req.URL.Host
		}),
	)
}

// RecordTraceStarted counts a newly started trace.
func (r *Runtime) RecordTraceStarted(source trace.Source) {
	if !r.Enabled() || r.tracesStartedCounter == nil {
		return
	}
	r.tracesStartedCounter.Add(
		context.Background(),
		1,
		metric.WithAttributes(attribute.String("source", string(source))),
	)
}

// RecordTraceCompleted counts a terminal trace and records its duration.
func (r *Runtime) RecordTraceCompleted(status trace.Status, durationMS int64) {
	if !r.Enabled() {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", string(status)))
	if r.tracesCompletedCounter != nil {
		r.tracesCompletedCounter.Add(context.Background(), 1, attrs)
	}
	if r.traceDurationHistogram != nil && durationMS >= 0 {
		r.traceDurationHistogram.Record(context.Background(), durationMS, attrs)
	}
}

// RecordStoreError counts a failed store operation.
func (r *Runtime) RecordStoreError(operation, class string) {
	if !r.Enabled() || r.storeErrorCounter == nil {
		return
	}
	r.storeErrorCounter.Add(
		context.Background(),
		1,
		metric.WithAttributes(
			attribute.String("operation", strings.TrimSpace(operation)),
			attribute.String("error_class", strings.TrimSpace(class)),
		),
	)
}

// RecordExportFailure counts traces that the Langfuse exporter gave up on.
func (r *Runtime) RecordExportFailure(failure langfuse.ExportFailure) {
	if !r.Enabled() || failure.FailedCount <= 0 || r.exportFailureCounter == nil {
		return
	}
	class := failure.ErrorClass
	if class == "" {
		class = langfuse.ClassifyExportError(failure.Err)
	}
	r.exportFailureCounter.Add(
		context.Background(),
		int64(failure.FailedCount),
		metric.WithAttributes(
			attribute.String("operation", strings.TrimSpace(failure.Operation)),
			attribute.String("error_class", class),
		),
	)
}

// ExporterMetrics returns callbacks for the Langfuse export pipeline, or nil
// when instrumentation is disabled.
func (r *Runtime) ExporterMetrics() *langfuse.ExporterMetrics {
	if !r.Enabled() {
		return nil
	}
	return &langfuse.ExporterMetrics{
		OnDrop: func() {
			if r.exportDropCounter != nil {
				r.exportDropCounter.Add(context.Background(), 1)
			}
		},
		OnFlush: func(batchSize int, duration time.Duration) {
			if r.exportFlushHistogram == nil {
				return
			}
			r.exportFlushHistogram.Record(
				context.Background(),
				float64(duration)/float64(time.Millisecond),
				metric.WithAttributes(attribute.Int("batch_size", batchSize)),
			)
		},
		OnExportStart: r.startExportSpan,
	}
}

func (r *Runtime) startExportSpan(batchSize int) func(error) {
	tracer := r.tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	_, span := tracer.Start(
		context.Background(),
		spanLangfuseIngest,
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(attribute.Int("promptlab.langfuse.batch_size", batchSize)),
	)
	return func(err error) {
		if err != nil {
			message := ScrubCredentials(err.Error())
			span.SetAttributes(attribute.String("promptlab.langfuse.error", message))
			span.SetStatus(codes.Error, message)
		}
		span.End()
	}
}

// Shutdown flushes and stops OpenTelemetry providers.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil || len(r.shutdownFns) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var errs []error
	for i := len(r.shutdownFns) - 1; i >= 0; i-- {
		if err := r.shutdownFns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func normalizeOTLPEndpoint(raw string) (string, bool, error) {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return "", false, errors.New("observability.otel.endpoint must not be empty")
	}

	if !strings.Contains(endpoint, "://") {
		return endpoint, false, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse observability.otel.endpoint: %w", err)
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", false, fmt.Errorf("observability.otel.endpoint must include host (got %q)", raw)
	}

	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "http":
		return parsed.Host, true, nil
	case "https":
		return parsed.Host, false, nil
	default:
		return "", false, fmt.Errorf("observability.otel.endpoint scheme must be http or https when provided (got %q)", parsed.Scheme)
	}
}

// routePatternForPath collapses trace and span identifiers so span names and
// metric attributes stay low-cardinality.
func routePatternForPath(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] != "api" {
		return "/other"
	}
	if len(segments) == 1 {
		return "/api"
	}

	switch segments[1] {
	case "health":
		if len(segments) == 2 {
			return "/api/health"
		}
	case "diagnostics":
		return "/api/diagnostics/*"
	case "playground":
		if len(segments) == 3 && segments[2] == "runs" {
			return "/api/playground/runs"
		}
	case "traces":
		switch {
		case len(segments) == 2:
			return "/api/traces"
		case len(segments) == 3 && segments[2] == "live":
			return "/api/traces/live"
		case len(segments) == 3:
			return "/api/traces/{id}"
		case len(segments) == 4:
			return "/api/traces/{id}/" + segments[3]
		case len(segments) == 5 && segments[3] == "spans":
			return "/api/traces/{id}/spans/{spanId}"
		}
	}
	return "/api/*"
}

func serverSpanName(method, path string) string {
	return normalizedMethod(method) + " " + routePatternForPath(path)
}

func normalizedMethod(method string) string {
	method = strings.TrimSpace(method)
	if method == "" {
		return "UNKNOWN"
	}
	return method
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusCapturingResponseWriter) Unwrap() http.ResponseWriter {
	if w == nil {
		return nil
	}
	return w.ResponseWriter
}

func (w *statusCapturingResponseWriter) Header() http.Header {
	return w.ResponseWriter.Header()
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	if w.statusCode == 0 {
		w.statusCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusCapturingResponseWriter) Write(p []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusCapturingResponseWriter) StatusCode() int {
	if w.statusCode == 0 {
		return http.StatusOK
	}
	return w.statusCode
}

func (w *statusCapturingResponseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *statusCapturingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hijacker.Hijack()
}

func (w *statusCapturingResponseWriter) ReadFrom(r io.Reader) (int64, error) {
	readerFrom, ok := w.ResponseWriter.(io.ReaderFrom)
	if !ok {
		return io.Copy(w.ResponseWriter, r)
	}
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return readerFrom.ReadFrom(r)
}
