package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/promptlab/promptlab/internal/trace"
	"github.com/promptlab/promptlab/internal/tracker"
)

type tracesResponse struct {
	Items      []traceSummary `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type traceSummary struct {
	ID          string               `json:"id"`
	UserID      string               `json:"user_id"`
	SessionID   string               `json:"session_id,omitempty"`
	Source      trace.Source         `json:"source"`
	Model       string               `json:"model"`
	Status      trace.Status         `json:"status"`
	Streaming   bool                 `json:"streaming"`
	StartedAt   time.Time            `json:"started_at"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
	DurationMS  *int64               `json:"duration_ms,omitempty"`
	Tokens      *trace.TokenUsage    `json:"tokens,omitempty"`
	Cost        *trace.CostBreakdown `json:"cost,omitempty"`
	ErrorCode   string               `json:"error_code,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
}

type traceDetail struct {
	traceSummary
	Prompt                string          `json:"prompt"`
	SystemPrompt          string          `json:"system_prompt,omitempty"`
	Parameters            map[string]any  `json:"parameters,omitempty"`
	Response              string          `json:"response,omitempty"`
	FirstTokenMS          *int64          `json:"first_token_ms,omitempty"`
	TokensPerSecond       *float64        `json:"tokens_per_second,omitempty"`
	QualityScore          *float64        `json:"quality_score,omitempty"`
	UserRating            *int            `json:"user_rating,omitempty"`
	ErrorMessage          string          `json:"error_message,omitempty"`
	LangfuseTraceID       string          `json:"langfuse_trace_id,omitempty"`
	LangfuseObservationID string          `json:"langfuse_observation_id,omitempty"`
	Metadata              map[string]any  `json:"metadata,omitempty"`
	UpdatedAt             time.Time       `json:"updated_at"`
	Active                bool            `json:"active"`
	Events                []eventResponse `json:"events,omitempty"`
}

type eventResponse struct {
	Seq       int64           `json:"seq"`
	Type      trace.EventType `json:"type"`
	Payload   map[string]any  `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type addEventRequest struct {
	Type    trace.EventType `json:"type"`
	Payload map[string]any  `json:"payload"`
}

type startSpanRequest struct {
	Name string `json:"name"`
}

type tracePathRoute struct {
	ID     string
	Action string
	SpanID string
}

func (h *handlers) tracesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet, http.MethodPost) {
			return
		}
		caller, ok := h.callerFromRequest(w, r)
		if !ok {
			return
		}
		if r.Method == http.MethodPost {
			h.startTrace(w, r, caller)
			return
		}
		h.listTraces(w, r, caller)
	})
}

func (h *handlers) startTrace(w http.ResponseWriter, r *http.Request, caller tracker.Caller) {
	var in tracker.StartInput
	if !decodeJSONBody(w, r, &in) {
		return
	}

	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		userID = caller.ID
	}
	candidate := in
	candidate.UserID = userID
	if err := tracker.ValidateStart(candidate); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if h.limiter != nil {
		if decision := h.limiter.Check(userID, in.Source); decision != nil {
			writeRateLimited(w, decision)
			return
		}
	}

	in.UserAgent = r.UserAgent()
	in.IPAddress = clientIP(r)
	result, err := h.tracker.Start(r.Context(), caller, in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *handlers) listTraces(w http.ResponseWriter, r *http.Request, caller tracker.Caller) {
	filter, err := parseListFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "validation_error"})
		return
	}
	result, err := h.tracker.List(r.Context(), caller, filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	items := make([]traceSummary, 0, len(result.Items))
	for _, item := range result.Items {
		items = append(items, summarizeTrace(item))
	}
	writeJSON(w, http.StatusOK, tracesResponse{
		Items:      items,
		NextCursor: result.NextCursor,
	})
}

func (h *handlers) traceDetailHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, ok := parseTracePathRoute(r.URL.Path)
		if !ok {
			writeError(w, http.StatusNotFound, "not found")
			return
		}

		if route.ID == "live" && route.Action == "" {
			if !requireMethod(w, r, http.MethodGet) {
				return
			}
			if _, ok := h.callerFromRequest(w, r); !ok {
				return
			}
			report, err := h.tracker.Live(r.Context())
			if err != nil {
				h.writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, report)
			return
		}

		switch route.Action {
		case "":
			if !requireMethod(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete) {
				return
			}
		case "complete", "events":
			if !requireMethod(w, r, http.MethodPost) {
				return
			}
		case "spans":
			if route.SpanID == "" && !requireMethod(w, r, http.MethodPost) {
				return
			}
			if route.SpanID != "" && !requireMethod(w, r, http.MethodDelete) {
				return
			}
		default:
			writeError(w, http.StatusNotFound, "not found")
			return
		}

		caller, ok := h.callerFromRequest(w, r)
		if !ok {
			return
		}

		switch {
		case route.Action == "" && r.Method == http.MethodGet:
			h.getTrace(w, r, caller, route.ID)
		case route.Action == "" && r.Method == http.MethodPatch:
			h.updateTrace(w, r, caller, route.ID)
		case route.Action == "":
			h.deleteTrace(w, r, caller, route.ID)
		case route.Action == "complete":
			h.completeTrace(w, r, caller, route.ID)
		case route.Action == "events":
			h.addEvent(w, r, caller, route.ID)
		case route.SpanID == "":
			h.startSpan(w, r, caller, route.ID)
		default:
			h.endSpan(w, r, caller, route.ID, route.SpanID)
		}
	})
}

func (h *handlers) getTrace(w http.ResponseWriter, r *http.Request, caller tracker.Caller, id string) {
	includeEvents, err := parseBoolQuery(r.URL.Query().Get("include_events"), "include_events")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "validation_error"})
		return
	}
	view, err := h.tracker.Get(r.Context(), caller, id, includeEvents)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detailTrace(view))
}

func (h *handlers) updateTrace(w http.ResponseWriter, r *http.Request, caller tracker.Caller, id string) {
	var in tracker.TraceUpdate
	if !decodeJSONBody(w, r, &in) {
		return
	}
	result, err := h.tracker.Update(r.Context(), caller, id, in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) deleteTrace(w http.ResponseWriter, r *http.Request, caller tracker.Caller, id string) {
	if err := h.tracker.Delete(r.Context(), caller, id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) completeTrace(w http.ResponseWriter, r *http.Request, caller tracker.Caller, id string) {
	var in tracker.CompleteInput
	if !decodeJSONBody(w, r, &in) {
		return
	}
	result, err := h.tracker.Complete(r.Context(), caller, id, in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) addEvent(w http.ResponseWriter, r *http.Request, caller tracker.Caller, id string) {
	var in addEventRequest
	if !decodeJSONBody(w, r, &in) {
		return
	}
	event, err := h.tracker.AddEvent(r.Context(), caller, id, in.Type, in.Payload)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEventResponse(event))
}

func (h *handlers) startSpan(w http.ResponseWriter, r *http.Request, caller tracker.Caller, id string) {
	var in startSpanRequest
	if !decodeJSONBody(w, r, &in) {
		return
	}
	span, err := h.tracker.StartSpan(r.Context(), caller, id, in.Name)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, span)
}

func (h *handlers) endSpan(w http.ResponseWriter, r *http.Request, caller tracker.Caller, id, spanID string) {
	span, err := h.tracker.EndSpan(r.Context(), caller, id, spanID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, span)
}

func parseListFilter(r *http.Request) (tracker.ListFilter, error) {
	query := r.URL.Query()
	limit, err := parseIntQuery(query.Get("limit"), "limit", 0, 200)
	if err != nil {
		return tracker.ListFilter{}, err
	}
	from, err := parseTimeQuery(query.Get("from"), false)
	if err != nil {
		return tracker.ListFilter{}, fmt.Errorf("invalid from: %w", err)
	}
	to, err := parseTimeQuery(query.Get("to"), true)
	if err != nil {
		return tracker.ListFilter{}, fmt.Errorf("invalid to: %w", err)
	}

	var statuses []trace.Status
	for _, raw := range strings.Split(query.Get("status"), ",") {
		if value := strings.ToLower(strings.TrimSpace(raw)); value != "" {
			statuses = append(statuses, trace.Status(value))
		}
	}

	return tracker.ListFilter{
		UserID:    strings.TrimSpace(query.Get("user_id")),
		SessionID: strings.TrimSpace(query.Get("session_id")),
		Source:    trace.Source(strings.ToLower(strings.TrimSpace(query.Get("source")))),
		Model:     strings.TrimSpace(query.Get("model")),
		Statuses:  statuses,
		From:      from,
		To:        to,
		Limit:     limit,
		Cursor:    strings.TrimSpace(query.Get("cursor")),
	}, nil
}

func summarizeTrace(item *trace.Trace) traceSummary {
	return traceSummary{
		ID:          item.ID,
		UserID:      item.UserID,
		SessionID:   item.SessionID,
		Source:      item.Source,
		Model:       item.Model,
		Status:      item.Status,
		Streaming:   item.Streaming,
		StartedAt:   item.StartedAt,
		CompletedAt: item.CompletedAt,
		DurationMS:  item.DurationMS,
		Tokens:      item.Tokens,
		Cost:        item.Cost,
		ErrorCode:   item.ErrorCode,
		CreatedAt:   item.CreatedAt,
	}
}

func detailTrace(view *tracker.TraceView) traceDetail {
	item := view.Trace
	detail := traceDetail{
		traceSummary:          summarizeTrace(item),
		Prompt:                item.Prompt,
		SystemPrompt:          item.SystemPrompt,
		Parameters:            item.Parameters,
		Response:              item.Response,
		FirstTokenMS:          item.FirstTokenMS,
		TokensPerSecond:       item.TokensPerSecond,
		QualityScore:          item.QualityScore,
		UserRating:            item.UserRating,
		ErrorMessage:          item.ErrorMessage,
		LangfuseTraceID:       item.LangfuseTraceID,
		LangfuseObservationID: item.LangfuseObservationID,
		Metadata:              item.Metadata,
		UpdatedAt:             item.UpdatedAt,
		Active:                view.Active,
	}
	for _, event := range view.Events {
		detail.Events = append(detail.Events, toEventResponse(event))
	}
	return detail
}

func toEventResponse(event *trace.Event) eventResponse {
	return eventResponse{
		Seq:       event.Seq,
		Type:      event.Type,
		Payload:   event.Payload,
		CreatedAt: event.CreatedAt,
	}
}

// parseTracePathRoute splits /api/traces/{id}[/{action}[/{spanId}]]. Only
// the spans action takes a third segment.
func parseTracePathRoute(path string) (tracePathRoute, bool) {
	prefix := "/api/traces/"
	if !strings.HasPrefix(path, prefix) {
		return tracePathRoute{}, false
	}
	suffix := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if suffix == "" {
		return tracePathRoute{}, false
	}
	parts := strings.Split(suffix, "/")
	if len(parts) > 3 {
		return tracePathRoute{}, false
	}
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			return tracePathRoute{}, false
		}
	}

	route := tracePathRoute{ID: parts[0]}
	if len(parts) >= 2 {
		route.Action = parts[1]
	}
	if len(parts) == 3 {
		if route.Action != "spans" {
			return tracePathRoute{}, false
		}
		route.SpanID = parts[2]
	}
	return route, true
}

func parseIntQuery(raw, name string, min, max int) (int, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if parsed < min {
		return 0, fmt.Errorf("%s must be >= %d", name, min)
	}
	if max != 0 && parsed > max {
		return 0, fmt.Errorf("%s must be <= %d", name, max)
	}
	return parsed, nil
}

func parseBoolQuery(raw, name string) (bool, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return false, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean", name)
	}
	return parsed, nil
}

func parseTimeQuery(raw string, endOfDay bool) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}
	if parsed, err := time.ParseInLocation("2006-01-02", value, time.UTC); err == nil {
		if endOfDay {
			return parsed.Add(24*time.Hour - time.Nanosecond), nil
		}
		return parsed, nil
	}
	return time.Time{}, fmt.Errorf("expected RFC3339 or YYYY-MM-DD")
}
