package tracker

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/promptlab/promptlab/internal/health"
	"github.com/promptlab/promptlab/internal/registry"
	"github.com/promptlab/promptlab/internal/trace"
)

const (
	RoleAdmin = "admin"
	RoleOwner = "owner"
)

// Caller is the identity an operation runs on behalf of. The request layer
// supplies it; the service only compares it against trace ownership.
type Caller struct {
	ID   string
	Role string
}

// Privileged reports whether the caller may act on traces it does not own.
func (c Caller) Privileged() bool {
	switch strings.ToLower(strings.TrimSpace(c.Role)) {
	case RoleAdmin, RoleOwner:
		return true
	default:
		return false
	}
}

// Exporter receives completed traces for asynchronous forwarding.
type Exporter interface {
	Enqueue(t *trace.Trace) bool
}

// Observer receives lifecycle counters. All methods must be safe for
// concurrent use.
type Observer interface {
	RecordTraceStarted(source trace.Source)
	RecordTraceCompleted(status trace.Status, durationMS int64)
	RecordStoreError(operation, class string)
}

type noopObserver struct{}

func (noopObserver) RecordTraceStarted(trace.Source)          {}
func (noopObserver) RecordTraceCompleted(trace.Status, int64) {}
func (noopObserver) RecordStoreError(string, string)          {}

type Options struct {
	Store    trace.TraceStore
	Registry *registry.Registry
	Reporter *health.Reporter
	Exporter Exporter
	Observer Observer
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

// Service owns the trace lifecycle: it validates input, enforces ownership
// and the status machine, writes through to the store and mirrors active
// traces in the registry.
type Service struct {
	store    trace.TraceStore
	registry *registry.Registry
	reporter *health.Reporter
	exporter Exporter
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("tracker: store is required")
	}
	s := &Service{
		store:    opts.Store,
		registry: opts.Registry,
		reporter: opts.Reporter,
		exporter: opts.Exporter,
		observer: opts.Observer,
		logger:   opts.Logger,
		now:      opts.Now,
		newID:    opts.NewID,
	}
	if s.registry == nil {
		s.registry = registry.New()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.reporter == nil {
		s.reporter = health.NewReporter(opts.Store, s.registry, health.Options{Now: s.now})
	}
	if s.observer == nil {
		s.observer = noopObserver{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s, nil
}

// Registry exposes the in-memory registry the service maintains.
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

type StartInput struct {
	UserID       string         `json:"user_id"`
	SessionID    string         `json:"session_id,omitempty"`
	Source       trace.Source   `json:"source"`
	Model        string         `json:"model"`
	Prompt       string         `json:"prompt"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Streaming    bool           `json:"streaming,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`

	// Request metadata recorded into the metadata bag.
	UserAgent string `json:"-"`
	IPAddress string `json:"-"`
}

type StartResult struct {
	TraceID   string         `json:"trace_id"`
	SessionID string         `json:"session_id,omitempty"`
	StartTime time.Time      `json:"start_time"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (s *Service) Start(ctx context.Context, caller Caller, in StartInput) (*StartResult, error) {
	in.UserID = strings.TrimSpace(in.UserID)
	if in.UserID == "" {
		in.UserID = strings.TrimSpace(caller.ID)
	}
	if caller.ID != "" && in.UserID != caller.ID && !caller.Privileged() {
		return nil, &AccessDeniedError{CallerID: caller.ID}
	}
	if err := ValidateStart(in); err != nil {
		return nil, err
	}

	metadata := trace.MergeBags(nil, in.Metadata)
	if ua := strings.TrimSpace(in.UserAgent); ua != "" {
		metadata = trace.MergeBags(metadata, map[string]any{"user_agent": ua})
	}
	if ip := strings.TrimSpace(in.IPAddress); ip != "" {
		metadata = trace.MergeBags(metadata, map[string]any{"ip_address": ip})
	}

	now := s.now().UTC()
	record := &trace.Trace{
		ID:           s.newID(),
		UserID:       in.UserID,
		SessionID:    strings.TrimSpace(in.SessionID),
		Source:       in.Source,
		Model:        strings.TrimSpace(in.Model),
		Prompt:       in.Prompt,
		SystemPrompt: in.SystemPrompt,
		Parameters:   in.Parameters,
		Status:       trace.StatusPending,
		Streaming:    in.Streaming,
		StartedAt:    now,
		Metadata:     metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateTrace(ctx, record); err != nil {
		return nil, s.storeFailure(ctx, "start", record.ID, err)
	}

	s.registry.RegisterTrace(registry.TraceInfo{
		TraceID:   record.ID,
		UserID:    record.UserID,
		Model:     record.Model,
		StartedAt: record.StartedAt,
	})
	s.observer.RecordTraceStarted(record.Source)

	return &StartResult{
		TraceID:   record.ID,
		SessionID: record.SessionID,
		StartTime: record.StartedAt,
		Metadata:  metadata,
	}, nil
}

// TraceUpdate is a sparse set of fields. Nil fields are left untouched.
type TraceUpdate struct {
	Status                *trace.Status  `json:"status,omitempty"`
	Streaming             *bool          `json:"streaming,omitempty"`
	Response              *string        `json:"response,omitempty"`
	FirstTokenMS          *int64         `json:"first_token_ms,omitempty"`
	TokensPerSecond       *float64       `json:"tokens_per_second,omitempty"`
	Tokens                *TokenInput    `json:"tokens,omitempty"`
	Cost                  *CostInput     `json:"cost,omitempty"`
	QualityScore          *float64       `json:"quality_score,omitempty"`
	UserRating            *int           `json:"user_rating,omitempty"`
	ErrorMessage          *string        `json:"error_message,omitempty"`
	ErrorCode             *string        `json:"error_code,omitempty"`
	LangfuseTraceID       *string        `json:"langfuse_trace_id,omitempty"`
	LangfuseObservationID *string        `json:"langfuse_observation_id,omitempty"`
	Metadata              map[string]any `json:"metadata,omitempty"`
}

type UpdateResult struct {
	TraceID       string       `json:"trace_id"`
	Status        trace.Status `json:"status"`
	UpdatedFields []string     `json:"updated_fields"`
}

func (s *Service) Update(ctx context.Context, caller Caller, traceID string, in TraceUpdate) (*UpdateResult, error) {
	current, err := s.load(ctx, caller, "update", traceID)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return nil, &ConflictError{TraceID: current.ID, Current: current.Status, Reason: "terminal traces cannot be updated"}
	}

	err = measurements{
		FirstTokenMS:    in.FirstTokenMS,
		TokensPerSecond: in.TokensPerSecond,
		QualityScore:    in.QualityScore,
		UserRating:      in.UserRating,
	}.validate()
	if err != nil {
		return nil, err
	}
	if in.ErrorCode != nil {
		if err := validateErrorCode(*in.ErrorCode); err != nil {
			return nil, err
		}
	}
	if err := validateBag("metadata", in.Metadata); err != nil {
		return nil, err
	}

	upd := &trace.Update{ExpectStatuses: trace.LiveStatuses()}
	fields := make([]string, 0, 8)
	nextStatus := current.Status

	if in.Status != nil {
		target := *in.Status
		if !target.Valid() {
			return nil, invalid("status", "unknown status %q", target)
		}
		if target.Terminal() {
			return nil, invalid("status", "terminal statuses are set by completing the trace")
		}
		if err := trace.ValidateTransition(current.Status, target); err != nil {
			return nil, &ConflictError{TraceID: current.ID, Current: current.Status, Reason: err.Error()}
		}
		upd.Status = &target
		if target != current.Status {
			upd.ExpectStatuses = []trace.Status{current.Status}
		}
		nextStatus = target
		fields = append(fields, "status")
	}
	if in.Streaming != nil {
		upd.Streaming = in.Streaming
		fields = append(fields, "streaming")
	}
	if in.Response != nil {
		upd.Response = in.Response
		fields = append(fields, "response")
	}
	if in.FirstTokenMS != nil {
		upd.FirstTokenMS = in.FirstTokenMS
		fields = append(fields, "first_token_ms")
	}
	if in.TokensPerSecond != nil {
		upd.TokensPerSecond = in.TokensPerSecond
		fields = append(fields, "tokens_per_second")
	}
	if in.Tokens != nil {
		tokens, err := resolveTokens(current.Tokens, in.Tokens)
		if err != nil {
			return nil, err
		}
		upd.Tokens = tokens
		fields = append(fields, "tokens")
	}
	if in.Cost != nil {
		cost, err := resolveCost(current.Cost, in.Cost)
		if err != nil {
			return nil, err
		}
		upd.Cost = cost
		fields = append(fields, "cost")
	}
	if in.QualityScore != nil {
		upd.QualityScore = in.QualityScore
		fields = append(fields, "quality_score")
	}
	if in.UserRating != nil {
		upd.UserRating = in.UserRating
		fields = append(fields, "user_rating")
	}
	if in.ErrorMessage != nil {
		upd.ErrorMessage = in.ErrorMessage
		fields = append(fields, "error_message")
	}
	if in.ErrorCode != nil {
		upd.ErrorCode = in.ErrorCode
		fields = append(fields, "error_code")
	}
	if in.LangfuseTraceID != nil {
		upd.LangfuseTraceID = in.LangfuseTraceID
		fields = append(fields, "langfuse_trace_id")
	}
	if in.LangfuseObservationID != nil {
		upd.LangfuseObservationID = in.LangfuseObservationID
		fields = append(fields, "langfuse_observation_id")
	}
	if in.Metadata != nil {
		upd.Metadata = trace.MergeBags(current.Metadata, in.Metadata)
		fields = append(fields, "metadata")
	}
	if len(fields) == 0 {
		return nil, invalid("update", "no updatable fields supplied")
	}

	if err := s.store.UpdateTrace(ctx, current.ID, upd); err != nil {
		return nil, s.writeFailure(ctx, "update", current.ID, err)
	}

	statusChanged := nextStatus != current.Status
	streamingChanged := in.Streaming != nil && *in.Streaming != current.Streaming
	if statusChanged || streamingChanged {
		eventType := trace.EventUserAction
		payload := map[string]any{"changed_fields": fields}
		if statusChanged {
			eventType = trace.EventStatusChange
			payload["from_status"] = string(current.Status)
			payload["to_status"] = string(nextStatus)
		}
		if streamingChanged {
			payload["streaming"] = *in.Streaming
		}
		s.appendBestEffort(ctx, &trace.Event{TraceID: current.ID, Type: eventType, Payload: payload})
	}

	return &UpdateResult{
		TraceID:       current.ID,
		Status:        nextStatus,
		UpdatedFields: fields,
	}, nil
}

type CompleteInput struct {
	Status          trace.Status   `json:"status"`
	Response        string         `json:"response,omitempty"`
	Tokens          *TokenInput    `json:"tokens,omitempty"`
	Cost            *CostInput     `json:"cost,omitempty"`
	FirstTokenMS    *int64         `json:"first_token_ms,omitempty"`
	TokensPerSecond *float64       `json:"tokens_per_second,omitempty"`
	QualityScore    *float64       `json:"quality_score,omitempty"`
	UserRating      *int           `json:"user_rating,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ErrorCode       string         `json:"error_code,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

type Metrics struct {
	DurationMS      int64                `json:"duration_ms"`
	Tokens          *trace.TokenUsage    `json:"tokens,omitempty"`
	Cost            *trace.CostBreakdown `json:"cost,omitempty"`
	FirstTokenMS    *int64               `json:"first_token_ms,omitempty"`
	TokensPerSecond *float64             `json:"tokens_per_second,omitempty"`
	QualityScore    *float64             `json:"quality_score,omitempty"`
	UserRating      *int                 `json:"user_rating,omitempty"`
}

type CompleteResult struct {
	TraceID     string       `json:"trace_id"`
	Status      trace.Status `json:"status"`
	CompletedAt time.Time    `json:"completed_at"`
	Metrics     Metrics      `json:"metrics"`
}

// Complete finalizes a trace exactly once. The write is guarded on the trace
// still being live, so of two racing completions one gets ConflictError.
func (s *Service) Complete(ctx context.Context, caller Caller, traceID string, in CompleteInput) (*CompleteResult, error) {
	if !in.Status.Terminal() {
		return nil, invalid("status", "must be one of success, error, cancelled")
	}
	err := measurements{
		FirstTokenMS:    in.FirstTokenMS,
		TokensPerSecond: in.TokensPerSecond,
		QualityScore:    in.QualityScore,
		UserRating:      in.UserRating,
	}.validate()
	if err != nil {
		return nil, err
	}
	if err := validateErrorCode(in.ErrorCode); err != nil {
		return nil, err
	}
	if err := validateBag("metadata", in.Metadata); err != nil {
		return nil, err
	}

	current, err := s.load(ctx, caller, "complete", traceID)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return nil, &ConflictError{TraceID: current.ID, Current: current.Status, Reason: "trace already completed"}
	}
	if err := trace.ValidateTransition(current.Status, in.Status); err != nil {
		return nil, &ConflictError{TraceID: current.ID, Current: current.Status, Reason: err.Error()}
	}

	tokens, err := resolveTokens(current.Tokens, in.Tokens)
	if err != nil {
		return nil, err
	}
	cost, err := resolveCost(current.Cost, in.Cost)
	if err != nil {
		return nil, err
	}

	completedAt := s.now().UTC()
	if completedAt.Before(current.StartedAt) {
		completedAt = current.StartedAt
	}
	durationMS := completedAt.Sub(current.StartedAt).Milliseconds()

	status := in.Status
	upd := &trace.Update{
		Status:          &status,
		CompletedAt:     &completedAt,
		DurationMS:      &durationMS,
		Tokens:          tokens,
		Cost:            cost,
		FirstTokenMS:    in.FirstTokenMS,
		TokensPerSecond: in.TokensPerSecond,
		QualityScore:    in.QualityScore,
		UserRating:      in.UserRating,
		ExpectStatuses:  trace.LiveStatuses(),
	}
	if in.Response != "" {
		upd.Response = &in.Response
	}
	if in.ErrorMessage != "" {
		upd.ErrorMessage = &in.ErrorMessage
	}
	if in.ErrorCode != "" {
		upd.ErrorCode = &in.ErrorCode
	}
	if in.Metadata != nil {
		upd.Metadata = trace.MergeBags(current.Metadata, in.Metadata)
	}
	if s.exporter != nil {
		langfuseTraceID := current.ID
		observationID := s.newID()
		upd.LangfuseTraceID = &langfuseTraceID
		upd.LangfuseObservationID = &observationID
	}

	if err := s.store.UpdateTrace(ctx, current.ID, upd); err != nil {
		return nil, s.writeFailure(ctx, "complete", current.ID, err)
	}

	s.registry.DeregisterTrace(current.ID)
	s.observer.RecordTraceCompleted(status, durationMS)
	s.appendBestEffort(ctx, &trace.Event{
		TraceID: current.ID,
		Type:    trace.EventStatusChange,
		Payload: map[string]any{
			"from_status": string(current.Status),
			"to_status":   string(status),
			"duration_ms": durationMS,
		},
	})

	if tokens == nil {
		tokens = current.Tokens
	}
	if cost == nil {
		cost = current.Cost
	}
	if s.exporter != nil {
		if !s.exporter.Enqueue(applyUpdate(current, upd)) {
			s.logger.WarnContext(ctx, "langfuse export queue full; dropping trace", "trace_id", current.ID)
		}
	}

	return &CompleteResult{
		TraceID:     current.ID,
		Status:      status,
		CompletedAt: completedAt,
		Metrics: Metrics{
			DurationMS:      durationMS,
			Tokens:          tokens,
			Cost:            cost,
			FirstTokenMS:    in.FirstTokenMS,
			TokensPerSecond: in.TokensPerSecond,
			QualityScore:    in.QualityScore,
			UserRating:      in.UserRating,
		},
	}, nil
}

// TraceView is a trace with its event log when requested.
type TraceView struct {
	Trace  *trace.Trace
	Events []*trace.Event
	// Active reports whether this process still tracks the trace in memory.
	Active bool
}

func (s *Service) Get(ctx context.Context, caller Caller, traceID string, includeEvents bool) (*TraceView, error) {
	current, err := s.load(ctx, caller, "get", traceID)
	if err != nil {
		return nil, err
	}
	view := &TraceView{
		Trace:  current,
		Active: s.registry.IsActive(current.ID),
	}
	if includeEvents {
		events, err := s.store.ListEvents(ctx, current.ID)
		if err != nil {
			return nil, s.storeFailure(ctx, "list_events", current.ID, err)
		}
		view.Events = events
	}
	return view, nil
}

// Delete removes a trace and its events in one store transaction.
func (s *Service) Delete(ctx context.Context, caller Caller, traceID string) error {
	current, err := s.load(ctx, caller, "delete", traceID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteTrace(ctx, current.ID); err != nil {
		if errors.Is(err, trace.ErrNotFound) {
			return &NotFoundError{TraceID: current.ID}
		}
		return s.storeFailure(ctx, "delete", current.ID, err)
	}
	s.registry.DeregisterTrace(current.ID)
	return nil
}

type ListFilter struct {
	UserID    string
	SessionID string
	Source    trace.Source
	Model     string
	Statuses  []trace.Status
	From      time.Time
	To        time.Time
	Limit     int
	Cursor    string
}

type ListResult struct {
	Items      []*trace.Trace
	NextCursor string
}

// List pages through traces newest first. Non-privileged callers only see
// their own traces.
func (s *Service) List(ctx context.Context, caller Caller, filter ListFilter) (*ListResult, error) {
	userID := strings.TrimSpace(filter.UserID)
	if !caller.Privileged() {
		if userID != "" && userID != caller.ID {
			return nil, &AccessDeniedError{CallerID: caller.ID}
		}
		userID = caller.ID
	}
	if filter.Source != "" && !filter.Source.Valid() {
		return nil, invalid("source", "must be one of playground, api, test")
	}
	for _, status := range filter.Statuses {
		if !status.Valid() {
			return nil, invalid("status", "unknown status %q", status)
		}
	}
	if filter.Limit < 0 {
		return nil, invalid("limit", "must be non-negative")
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, invalid("to", "must not be before from")
	}

	result, err := s.store.QueryTraces(ctx, trace.TraceFilter{
		UserID:    userID,
		SessionID: strings.TrimSpace(filter.SessionID),
		Source:    filter.Source,
		Model:     strings.TrimSpace(filter.Model),
		Statuses:  filter.Statuses,
		From:      filter.From,
		To:        filter.To,
		Limit:     filter.Limit,
		Cursor:    strings.TrimSpace(filter.Cursor),
	})
	if err != nil {
		if errors.Is(err, trace.ErrInvalidCursor) {
			return nil, invalid("cursor", "is invalid")
		}
		return nil, s.storeFailure(ctx, "list", "", err)
	}
	return &ListResult{Items: result.Items, NextCursor: result.NextCursor}, nil
}

// AddEvent appends one event. Unlike the events the service records on its
// own, store failures here reach the caller.
func (s *Service) AddEvent(ctx context.Context, caller Caller, traceID string, eventType trace.EventType, payload map[string]any) (*trace.Event, error) {
	if !eventType.Valid() {
		return nil, invalid("type", "unknown event type %q", eventType)
	}
	if err := validateBag("payload", payload); err != nil {
		return nil, err
	}
	current, err := s.load(ctx, caller, "add_event", traceID)
	if err != nil {
		return nil, err
	}

	event := &trace.Event{
		TraceID:   current.ID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.AppendEvent(ctx, event); err != nil {
		if errors.Is(err, trace.ErrNotFound) {
			return nil, &NotFoundError{TraceID: current.ID}
		}
		return nil, s.storeFailure(ctx, "add_event", current.ID, err)
	}
	return event, nil
}

// Live reports aggregate health over recent store records.
func (s *Service) Live(ctx context.Context) (*health.Report, error) {
	report, err := s.reporter.Report(ctx)
	if err != nil {
		return nil, s.storeFailure(ctx, "live", "", err)
	}
	return report, nil
}

type SpanResult struct {
	SpanID     string    `json:"span_id"`
	TraceID    string    `json:"trace_id"`
	Name       string    `json:"name"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS *int64    `json:"duration_ms,omitempty"`
}

// StartSpan opens a nested timing span on a trace this process is tracking.
func (s *Service) StartSpan(ctx context.Context, caller Caller, traceID, name string) (*SpanResult, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalid("name", "is required")
	}
	if err := s.authorizeActive(ctx, caller, "start_span", traceID); err != nil {
		return nil, err
	}

	span := registry.SpanInfo{
		SpanID:    s.newID(),
		TraceID:   traceID,
		Name:      name,
		StartedAt: s.now().UTC(),
	}
	if err := s.registry.RegisterSpan(span); err != nil {
		if errors.Is(err, registry.ErrTraceNotActive) {
			return nil, s.conflictFor(ctx, "start_span", traceID, "trace is no longer active")
		}
		return nil, err
	}
	return &SpanResult{SpanID: span.SpanID, TraceID: traceID, Name: name, StartedAt: span.StartedAt}, nil
}

func (s *Service) EndSpan(ctx context.Context, caller Caller, traceID, spanID string) (*SpanResult, error) {
	info, ok := s.registry.Lookup(traceID)
	if !ok {
		return nil, &NotFoundError{TraceID: traceID, SpanID: spanID}
	}
	if err := authorize(caller, info.UserID, traceID); err != nil {
		return nil, err
	}
	span, ok := s.registry.DeregisterSpan(traceID, spanID)
	if !ok {
		return nil, &NotFoundError{TraceID: traceID, SpanID: spanID}
	}
	durationMS := s.now().Sub(span.StartedAt).Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}
	return &SpanResult{
		SpanID:     span.SpanID,
		TraceID:    span.TraceID,
		Name:       span.Name,
		StartedAt:  span.StartedAt,
		DurationMS: &durationMS,
	}, nil
}

// authorizeActive checks ownership through the registry and falls back to
// the store to explain why a trace is not active.
func (s *Service) authorizeActive(ctx context.Context, caller Caller, op, traceID string) error {
	if info, ok := s.registry.Lookup(traceID); ok {
		return authorize(caller, info.UserID, traceID)
	}
	current, err := s.load(ctx, caller, op, traceID)
	if err != nil {
		return err
	}
	return &ConflictError{TraceID: current.ID, Current: current.Status, Reason: "trace is not active in this process"}
}

func (s *Service) load(ctx context.Context, caller Caller, op, traceID string) (*trace.Trace, error) {
	traceID = strings.TrimSpace(traceID)
	if traceID == "" {
		return nil, invalid("trace_id", "is required")
	}
	current, err := s.store.GetTrace(ctx, traceID)
	if err != nil {
		if errors.Is(err, trace.ErrNotFound) {
			return nil, &NotFoundError{TraceID: traceID}
		}
		return nil, s.storeFailure(ctx, op, traceID, err)
	}
	if err := authorize(caller, current.UserID, traceID); err != nil {
		return nil, err
	}
	return current, nil
}

func authorize(caller Caller, ownerID, traceID string) error {
	if caller.Privileged() || (caller.ID != "" && caller.ID == ownerID) {
		return nil
	}
	return &AccessDeniedError{TraceID: traceID, CallerID: caller.ID}
}

// writeFailure maps guarded update errors onto the service taxonomy.
func (s *Service) writeFailure(ctx context.Context, op, traceID string, err error) error {
	switch {
	case errors.Is(err, trace.ErrNotFound):
		return &NotFoundError{TraceID: traceID}
	case errors.Is(err, trace.ErrStatusConflict):
		return s.conflictFor(ctx, op, traceID, "trace changed status concurrently")
	default:
		return s.storeFailure(ctx, op, traceID, err)
	}
}

func (s *Service) conflictFor(ctx context.Context, op, traceID, reason string) error {
	latest, err := s.store.GetTrace(ctx, traceID)
	if err != nil {
		if errors.Is(err, trace.ErrNotFound) {
			return &NotFoundError{TraceID: traceID}
		}
		return s.storeFailure(ctx, op, traceID, err)
	}
	return &ConflictError{TraceID: traceID, Current: latest.Status, Reason: reason}
}

func (s *Service) storeFailure(ctx context.Context, op, traceID string, err error) error {
	class := trace.ClassifyStoreError(err)
	s.logger.ErrorContext(ctx, "trace store operation failed",
		"trace_id", traceID,
		"operation", op,
		"error_class", class,
		"error", err,
	)
	s.observer.RecordStoreError(op, class)
	return &StoreError{Op: op, TraceID: traceID, Err: err}
}

func (s *Service) appendBestEffort(ctx context.Context, event *trace.Event) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now().UTC()
	}
	if err := s.store.AppendEvent(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "trace event append failed",
			"trace_id", event.TraceID,
			"event_type", string(event.Type),
			"error", err,
		)
	}
}

// applyUpdate returns a copy of t with u applied, mirroring what the store
// wrote.
func applyUpdate(t *trace.Trace, u *trace.Update) *trace.Trace {
	out := *t
	if u.Status != nil {
		out.Status = *u.Status
	}
	if u.Streaming != nil {
		out.Streaming = *u.Streaming
	}
	if u.Response != nil {
		out.Response = *u.Response
	}
	if u.CompletedAt != nil {
		completed := *u.CompletedAt
		out.CompletedAt = &completed
	}
	if u.DurationMS != nil {
		out.DurationMS = u.DurationMS
	}
	if u.Tokens != nil {
		out.Tokens = u.Tokens
	}
	if u.Cost != nil {
		out.Cost = u.Cost
	}
	if u.FirstTokenMS != nil {
		out.FirstTokenMS = u.FirstTokenMS
	}
	if u.TokensPerSecond != nil {
		out.TokensPerSecond = u.TokensPerSecond
	}
	if u.QualityScore != nil {
		out.QualityScore = u.QualityScore
	}
	if u.UserRating != nil {
		out.UserRating = u.UserRating
	}
	if u.ErrorMessage != nil {
		out.ErrorMessage = *u.ErrorMessage
	}
	if u.ErrorCode != nil {
		out.ErrorCode = *u.ErrorCode
	}
	if u.LangfuseTraceID != nil {
		out.LangfuseTraceID = *u.LangfuseTraceID
	}
	if u.LangfuseObservationID != nil {
		out.LangfuseObservationID = *u.LangfuseObservationID
	}
	if u.Metadata != nil {
		out.Metadata = u.Metadata
	}
	return &out
}
