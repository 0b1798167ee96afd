package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/promptlab/promptlab/internal/api"
	"github.com/promptlab/promptlab/internal/auth"
	"github.com/promptlab/promptlab/internal/config"
	"github.com/promptlab/promptlab/internal/correlation"
	"github.com/promptlab/promptlab/internal/health"
	"github.com/promptlab/promptlab/internal/langfuse"
	"github.com/promptlab/promptlab/internal/limits"
	"github.com/promptlab/promptlab/internal/observability"
	"github.com/promptlab/promptlab/internal/playground"
	"github.com/promptlab/promptlab/internal/registry"
	"github.com/promptlab/promptlab/internal/trace"
	"github.com/promptlab/promptlab/internal/tracker"
	"github.com/promptlab/promptlab/internal/version"
)

const defaultConfigPath = "promptlab.yaml"

const exporterShutdownTimeout = 5 * time.Second
const otelShutdownTimeout = 5 * time.Second
const serverReadHeaderTimeout = 10 * time.Second
const serverReadTimeout = 30 * time.Second
const serverIdleTimeout = 2 * time.Minute

type traceExporter interface {
	Start(ctx context.Context)
	Enqueue(t *trace.Trace) bool
	Shutdown(ctx context.Context) error
	ExportDiagnostics() langfuse.Diagnostics
}

var newTraceExporter = func(client langfuse.Ingester, opts langfuse.ExporterOptions) traceExporter {
	return langfuse.NewExporter(client, opts)
}

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		return runServe(nil)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return 0
	case "serve":
		return runServe(args[1:])
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	case "doctor":
		return runDoctor(args[1:], os.Stdout, os.Stderr)
	case "diagnostics":
		return runDiagnostics(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	_, _, err := loadAndValidateConfig(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

func runServe(args []string) int {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(os.Stderr)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "serve does not accept positional arguments")
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "config is invalid: %v\n", err)
		}
		return 1
	}

	logger := newLogger(os.Stdout, cfg.Observability.LogLevel)
	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)
	}

	traceStore, err := openTraceStore(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize %s storage: %v\n", cfg.Storage.Driver, err)
		return 1
	}
	defer func() {
		if err := closeTraceStore(traceStore); err != nil {
			logger.Error("failed to close trace storage", "error", err)
		}
	}()

	exporter, err := newLangfuseExporter(cfg.Langfuse, otelRuntime, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize langfuse export: %v\n", err)
		return 1
	}
	if exporter != nil {
		exporter.Start(context.Background())
		defer shutdownExporter(logger, exporter, exporterShutdownTimeout)
	}

	reg := registry.New(registry.WithShardCount(cfg.Tracker.RegistryShards))
	trackerOptions := tracker.Options{
		Store:    traceStore,
		Registry: reg,
		Reporter: health.NewReporter(traceStore, reg, health.Options{
			Window:      cfg.Tracker.LiveWindow(),
			RecentLimit: cfg.Tracker.RecentLimit,
		}),
		Logger: logger,
	}
	if exporter != nil {
		trackerOptions.Exporter = exporter
	}
	if otelRuntime != nil {
		trackerOptions.Observer = otelRuntime
	}
	traceService, err := tracker.New(trackerOptions)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize tracker: %v\n", err)
		return 1
	}

	authorizer, err := auth.NewAuthorizer(auth.Options{
		Enabled: cfg.Auth.Enabled,
		Header:  cfg.Auth.Header,
		Keys:    authKeysFromConfig(cfg.Auth.Keys),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize auth config: %v\n", err)
		return 1
	}

	routerOptions := api.RouterOptions{
		AppVersion:    version.String(),
		Tracker:       traceService,
		Limiter:       newStartLimiter(cfg.Limits),
		StorageDriver: cfg.Storage.Driver,
		StoragePath:   cfg.Storage.Path,
		ActiveTraces:  reg.ActiveTraceCount,
		AuthHeader:    cfg.Auth.Header,
		Logger:        logger,
	}
	if !cfg.Auth.Enabled {
		routerOptions.Anonymous = tracker.Caller{ID: cfg.Auth.AnonymousUserID, Role: cfg.Auth.AnonymousRole}
	}
	if exporter != nil {
		routerOptions.Diagnostics = exporter
	}
	runner, err := newPlaygroundRunner(cfg.Playground, traceService, otelRuntime, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize playground: %v\n", err)
		return 1
	}
	if runner != nil {
		routerOptions.Playground = runner
	}

	var handler http.Handler = api.NewRouter(routerOptions)
	handler = auth.Middleware(authorizer, auth.MiddlewareOptions{
		APIPrefix:     "/api",
		AuditRecorder: newAuthAuditRecorder(logger),
	}, handler)
	if otelRuntime != nil {
		handler = otelRuntime.SpanEnrichmentMiddleware(handler)
		handler = otelRuntime.WrapHTTPHandler(handler)
	}
	server := newServer(cfg, logger, handler)

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"storage_driver", cfg.Storage.Driver,
		"config_path", *configPath,
		"auth_enabled", cfg.Auth.Enabled,
		"langfuse_enabled", exporter != nil,
		"playground_enabled", runner != nil,
	)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown", "error", err)
			return 1
		}
		logger.Info("promptlab stopped", "active_traces", reg.ActiveTraceCount())
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "error", err)
			return 1
		}
		return 0
	}
}

func newLogger(out io.Writer, level string) *slog.Logger {
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: parseLogLevel(level)})
	return slog.New(observability.NewTraceLogHandler(handler))
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newServer(cfg config.Config, logger *slog.Logger, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           api.LoggingMiddleware(logger, handler),
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
	}
}

func newStartLimiter(cfg config.LimitsConfig) *limits.StartLimiter {
	return limits.NewStartLimiter(limits.Config{
		PerUser: limits.Policy{
			StartsPerMinute: cfg.PerUser.StartsPerMinute,
			Burst:           cfg.PerUser.Burst,
		},
		Playground: limits.Policy{
			StartsPerMinute: cfg.Playground.StartsPerMinute,
			Burst:           cfg.Playground.Burst,
		},
	})
}

// newLangfuseExporter returns nil when export is disabled.
func newLangfuseExporter(cfg config.LangfuseConfig, otelRuntime *observability.Runtime, logger *slog.Logger) (traceExporter, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	clientOptions := langfuse.ClientOptions{
		Host:       cfg.Host,
		PublicKey:  cfg.PublicKey,
		SecretKey:  cfg.SecretKey,
		Timeout:    time.Duration(cfg.TimeoutMS) * time.Millisecond,
		MaxRetries: cfg.MaxRetries,
		Logger:     logger,
	}
	if otelRuntime != nil {
		clientOptions.Transport = otelRuntime.WrapHTTPTransport(nil)
	}
	client, err := langfuse.NewClient(clientOptions)
	if err != nil {
		return nil, err
	}

	exporter := newTraceExporter(client, langfuse.ExporterOptions{
		QueueSize:     cfg.QueueSize,
		BatchSize:     cfg.BatchSize,
		FlushInterval: time.Duration(cfg.FlushIntervalMS) * time.Millisecond,
		Host:          client.Host(),
	})
	attachExporterHooks(logger, exporter, otelRuntime)
	return exporter, nil
}

func attachExporterHooks(logger *slog.Logger, exporter traceExporter, otelRuntime *observability.Runtime) {
	concrete, ok := exporter.(*langfuse.Exporter)
	if !ok {
		return
	}
	if otelRuntime != nil {
		concrete.SetMetrics(otelRuntime.ExporterMetrics())
	}
	concrete.SetExportFailureHandler(func(failure langfuse.ExportFailure) {
		if failure.FailedCount <= 0 {
			return
		}
		if otelRuntime != nil {
			otelRuntime.RecordExportFailure(failure)
		}
		logger.Error(
			"langfuse export failed; dropped traces",
			"operation", strings.TrimSpace(failure.Operation),
			"batch_size", failure.BatchSize,
			"failed_count", failure.FailedCount,
			"error_class", failure.ErrorClass,
			"error", observability.ScrubCredentials(fmt.Sprint(failure.Err)),
		)
	})
}

// newPlaygroundRunner returns nil when the playground is disabled.
func newPlaygroundRunner(cfg config.PlaygroundConfig, svc *tracker.Service, otelRuntime *observability.Runtime, logger *slog.Logger) (*playground.Runner, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var transport http.RoundTripper
	if otelRuntime != nil {
		transport = otelRuntime.WrapHTTPTransport(nil)
	}
	client, err := playground.NewOpenAIClient(cfg.BaseURL, cfg.APIKey, transport)
	if err != nil {
		return nil, err
	}

	pricing := make(map[string]playground.Price, len(cfg.Pricing))
	for model, price := range cfg.Pricing {
		pricing[model] = playground.Price{InputPer1K: price.InputPer1K, OutputPer1K: price.OutputPer1K}
	}
	return playground.NewRunner(playground.Options{
		Tracker:      svc,
		Client:       client,
		DefaultModel: cfg.DefaultModel,
		Pricing:      pricing,
		Logger:       logger,
	})
}

func authKeysFromConfig(keys []config.APIKeyConfig) []auth.KeyConfig {
	if len(keys) == 0 {
		return nil
	}

	out := make([]auth.KeyConfig, 0, len(keys))
	for _, key := range keys {
		out = append(out, auth.KeyConfig{
			ID:          key.ID,
			Token:       key.Token,
			TokenHash:   key.TokenHash,
			UserID:      key.UserID,
			Role:        key.Role,
			Permissions: append([]string(nil), key.Permissions...),
		})
	}
	return out
}

func newAuthAuditRecorder(logger *slog.Logger) auth.AuditRecorder {
	if logger == nil {
		return nil
	}
	return func(req *http.Request, event auth.AuditEvent) {
		logger.WarnContext(req.Context(),
			"audit api auth deny",
			"request_id", requestID(req),
			"audit_action", strings.TrimSpace(event.Action),
			"audit_outcome", strings.TrimSpace(event.Outcome),
			"audit_reason", strings.TrimSpace(event.Reason),
			"status_code", event.StatusCode,
			"path", strings.TrimSpace(event.Path),
			"audit_resource", strings.TrimSpace(event.Resource),
			"audit_resource_action", strings.TrimSpace(event.ResourceAction),
			"required_permission", string(event.RequiredPermission),
			"key_id", strings.TrimSpace(event.KeyID),
			"user_id", strings.TrimSpace(event.UserID),
		)
	}
}

func shutdownExporter(logger *slog.Logger, exporter traceExporter, timeout time.Duration) {
	if exporter == nil {
		return
	}

	start := time.Now()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := exporter.Shutdown(shutdownCtx); err != nil {
		if logger != nil {
			logger.Error(
				"failed to flush pending langfuse exports before shutdown",
				"error", err,
				"timeout", timeout.String(),
			)
		}
		return
	}

	if logger != nil {
		logger.Info("flushed pending langfuse exports before shutdown", "duration_ms", time.Since(start).Milliseconds())
	}
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if runtime == nil || !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		if logger != nil {
			logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
		}
	}
}

func requestID(req *http.Request) string {
	if req == nil {
		return ""
	}
	if id, ok := correlation.FromContext(req.Context()); ok {
		return id
	}
	return correlation.FromHeaders(req.Header)
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  promptlab serve [--config path/to/promptlab.yaml]")
	fmt.Fprintln(out, "  promptlab version")
	fmt.Fprintln(out, "  promptlab config validate [--config path/to/promptlab.yaml]")
	fmt.Fprintln(out, "  promptlab doctor [--config path/to/promptlab.yaml] [--format text|json]")
	fmt.Fprintln(out, "  promptlab diagnostics [langfuse] [--config path/to/promptlab.yaml] [--base-url URL] [--api-key TOKEN] [--auth-header HEADER] [--format text|json] [--timeout DURATION]")
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  promptlab config validate [--config path/to/promptlab.yaml]")
}
