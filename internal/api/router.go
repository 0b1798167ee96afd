package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/promptlab/promptlab/internal/health"
	"github.com/promptlab/promptlab/internal/langfuse"
	"github.com/promptlab/promptlab/internal/limits"
	"github.com/promptlab/promptlab/internal/playground"
	"github.com/promptlab/promptlab/internal/trace"
	"github.com/promptlab/promptlab/internal/tracker"
)

const maxRequestBodyBytes = 1 << 20

// TraceService is the slice of tracker.Service the HTTP layer drives.
type TraceService interface {
	Start(ctx context.Context, caller tracker.Caller, in tracker.StartInput) (*tracker.StartResult, error)
	Update(ctx context.Context, caller tracker.Caller, traceID string, in tracker.TraceUpdate) (*tracker.UpdateResult, error)
	Complete(ctx context.Context, caller tracker.Caller, traceID string, in tracker.CompleteInput) (*tracker.CompleteResult, error)
	Get(ctx context.Context, caller tracker.Caller, traceID string, includeEvents bool) (*tracker.TraceView, error)
	Delete(ctx context.Context, caller tracker.Caller, traceID string) error
	List(ctx context.Context, caller tracker.Caller, filter tracker.ListFilter) (*tracker.ListResult, error)
	AddEvent(ctx context.Context, caller tracker.Caller, traceID string, eventType trace.EventType, payload map[string]any) (*trace.Event, error)
	Live(ctx context.Context) (*health.Report, error)
	StartSpan(ctx context.Context, caller tracker.Caller, traceID, name string) (*tracker.SpanResult, error)
	EndSpan(ctx context.Context, caller tracker.Caller, traceID, spanID string) (*tracker.SpanResult, error)
}

// PlaygroundRunner executes one playground prompt.
type PlaygroundRunner interface {
	Run(ctx context.Context, caller tracker.Caller, req playground.Request) (*playground.Result, error)
}

// StartLimiter gates trace starts per user.
type StartLimiter interface {
	Check(userID string, source trace.Source) *limits.Decision
}

type RouterOptions struct {
	AppVersion    string
	Tracker       TraceService
	Limiter       StartLimiter
	Playground    PlaygroundRunner
	Diagnostics   langfuse.DiagnosticsReader
	StorageDriver string
	StoragePath   string
	ActiveTraces  func() int
	AuthHeader    string
	// Anonymous is the caller used when a request carries no authenticated
	// identity. A zero value rejects such requests.
	Anonymous tracker.Caller
	Logger    *slog.Logger
}

func NewRouter(options RouterOptions) http.Handler {
	startedAt := time.Now().UTC()
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{
		tracker:    options.Tracker,
		limiter:    options.Limiter,
		playground: options.Playground,
		anonymous:  options.Anonymous,
		logger:     logger,
	}

	mux := http.NewServeMux()
	mux.Handle("/api/health", HealthHandler(HealthOptions{
		Version:       options.AppVersion,
		StartedAt:     startedAt,
		StorageDriver: options.StorageDriver,
		StoragePath:   options.StoragePath,
		ActiveTraces:  options.ActiveTraces,
	}))
	mux.Handle("/api/traces", h.tracesHandler())
	mux.Handle("/api/traces/", h.traceDetailHandler())
	mux.Handle("/api/playground/runs", h.playgroundHandler())
	mux.Handle("/api/diagnostics/langfuse", LangfuseDiagnosticsHandler(LangfuseDiagnosticsOptions{
		Reader: options.Diagnostics,
	}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    "promptlab",
			"version": options.AppVersion,
			"status":  "ok",
		})
	})

	return withCORS(mux, options.AuthHeader)
}

type handlers struct {
	tracker    TraceService
	limiter    StartLimiter
	playground PlaygroundRunner
	anonymous  tracker.Caller
	logger     *slog.Logger
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"error\":\"internal server error\"}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

type errorResponse struct {
	Error             string       `json:"error"`
	Code              string       `json:"code,omitempty"`
	Field             string       `json:"field,omitempty"`
	CurrentStatus     trace.Status `json:"current_status,omitempty"`
	RetryAfterSeconds int          `json:"retry_after_seconds,omitempty"`
}

// writeServiceError maps tracker errors onto HTTP statuses. Store failures
// stay opaque to the client; the tracker has already logged them.
func (h *handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *tracker.ValidationError
		conflict   *tracker.ConflictError
	)
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: validation.Error(),
			Code:  "validation_error",
			Field: validation.Field,
		})
	case errors.Is(err, tracker.ErrAccessDenied):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "access denied", Code: "access_denied"})
	case errors.Is(err, tracker.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error(), Code: "not_found"})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, errorResponse{
			Error:         conflict.Error(),
			Code:          "conflict",
			CurrentStatus: conflict.Current,
		})
	case errors.Is(err, playground.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "playground is not configured")
	case errors.Is(err, tracker.ErrStore):
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "trace store unavailable", Code: "store_error"})
	default:
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeRateLimited(w http.ResponseWriter, decision *limits.Decision) {
	w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfterSeconds))
	writeJSON(w, http.StatusTooManyRequests, errorResponse{
		Error:             decision.Message,
		Code:              decision.Code,
		RetryAfterSeconds: decision.RetryAfterSeconds,
	})
}

func requireMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, method := range methods {
		if r.Method == method {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", ")+", OPTIONS")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

// decodeJSONBody reads exactly one JSON value with unknown fields rejected.
// It writes the error response itself and reports whether decoding worked.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.Body == http.NoBody {
		writeError(w, http.StatusBadRequest, "request body is required")
		return false
	}
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxBytesErr):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "request body is required")
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		}
		return false
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "request body must contain a single JSON object")
		return false
	}
	return true
}

func withCORS(next http.Handler, authHeader string) http.Handler {
	allowedHeaders := []string{"Content-Type", "Authorization", "X-Promptlab-Key", "X-Request-ID"}
	customHeader := strings.TrimSpace(authHeader)
	if customHeader != "" {
		alreadyAllowed := false
		for _, header := range allowedHeaders {
			if strings.EqualFold(header, customHeader) {
				alreadyAllowed = true
				break
			}
		}
		if !alreadyAllowed {
			allowedHeaders = append(allowedHeaders, customHeader)
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(allowedHeaders, ", "))
		w.Header().Set("Access-Control-Expose-Headers", "Retry-After, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
