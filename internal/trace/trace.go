package trace

import "time"

// Status is the lifecycle state of a trace.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Source identifies which surface started a trace.
type Source string

const (
	SourcePlayground Source = "playground"
	SourceAPI        Source = "api"
	SourceTest       Source = "test"
)

func (s Source) Valid() bool {
	switch s {
	case SourcePlayground, SourceAPI, SourceTest:
		return true
	default:
		return false
	}
}

// EventType classifies an entry in a trace's event log.
type EventType string

const (
	EventStatusChange EventType = "status_change"
	EventUserAction   EventType = "user_action"
	EventStreamChunk  EventType = "stream_chunk"
	EventError        EventType = "error"
	EventCustom       EventType = "custom"
)

func (t EventType) Valid() bool {
	switch t {
	case EventStatusChange, EventUserAction, EventStreamChunk, EventError, EventCustom:
		return true
	default:
		return false
	}
}

type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

type CostBreakdown struct {
	InputUSD  float64 `json:"input"`
	OutputUSD float64 `json:"output"`
	TotalUSD  float64 `json:"total"`
}

// Trace is one tracked AI interaction attempt. Optional measurements are
// pointers so that "absent" and "zero" stay distinguishable in storage.
type Trace struct {
	ID           string
	UserID       string
	SessionID    string
	Source       Source
	Model        string
	Prompt       string
	SystemPrompt string
	Parameters   map[string]any
	Status       Status
	Streaming    bool
	Response     string

	StartedAt   time.Time
	CompletedAt *time.Time
	DurationMS  *int64

	Tokens          *TokenUsage
	Cost            *CostBreakdown
	FirstTokenMS    *int64
	TokensPerSecond *float64
	QualityScore    *float64
	UserRating      *int

	ErrorMessage string
	ErrorCode    string

	LangfuseTraceID       string
	LangfuseObservationID string

	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Event is an immutable diagnostic entry attached to a trace. Seq is assigned
// by the store and increases by one per trace starting at 1.
type Event struct {
	TraceID   string
	Seq       int64
	Type      EventType
	Payload   map[string]any
	CreatedAt time.Time
}

// Update is a sparse set of column writes. Nil fields are left untouched.
type Update struct {
	Status                *Status
	Streaming             *bool
	Response              *string
	CompletedAt           *time.Time
	DurationMS            *int64
	Tokens                *TokenUsage
	Cost                  *CostBreakdown
	FirstTokenMS          *int64
	TokensPerSecond       *float64
	QualityScore          *float64
	UserRating            *int
	ErrorMessage          *string
	ErrorCode             *string
	LangfuseTraceID       *string
	LangfuseObservationID *string
	Metadata              map[string]any

	// ExpectStatuses restricts the write to rows whose current status is one
	// of the listed values. A row in any other status yields ErrStatusConflict.
	ExpectStatuses []Status
}

type columnValue struct {
	column string
	value  any
	json   bool
}

// assignments flattens an update into ordered column writes. Bags are
// encoded by the caller-specific store since SQLite and Postgres differ.
func (u *Update) assignments() ([]columnValue, error) {
	if u == nil {
		return nil, nil
	}
	out := make([]columnValue, 0, 16)
	if u.Status != nil {
		out = append(out, columnValue{column: "status", value: string(*u.Status)})
	}
	if u.Streaming != nil {
		out = append(out, columnValue{column: "streaming", value: *u.Streaming})
	}
	if u.Response != nil {
		out = append(out, columnValue{column: "response", value: *u.Response})
	}
	if u.CompletedAt != nil {
		out = append(out, columnValue{column: "completed_at", value: u.CompletedAt.UTC()})
	}
	if u.DurationMS != nil {
		out = append(out, columnValue{column: "duration_ms", value: *u.DurationMS})
	}
	if u.Tokens != nil {
		out = append(out,
			columnValue{column: "input_tokens", value: u.Tokens.Input},
			columnValue{column: "output_tokens", value: u.Tokens.Output},
			columnValue{column: "total_tokens", value: u.Tokens.Total},
		)
	}
	if u.Cost != nil {
		out = append(out,
			columnValue{column: "input_cost_usd", value: u.Cost.InputUSD},
			columnValue{column: "output_cost_usd", value: u.Cost.OutputUSD},
			columnValue{column: "total_cost_usd", value: u.Cost.TotalUSD},
		)
	}
	if u.FirstTokenMS != nil {
		out = append(out, columnValue{column: "first_token_ms", value: *u.FirstTokenMS})
	}
	if u.TokensPerSecond != nil {
		out = append(out, columnValue{column: "tokens_per_second", value: *u.TokensPerSecond})
	}
	if u.QualityScore != nil {
		out = append(out, columnValue{column: "quality_score", value: *u.QualityScore})
	}
	if u.UserRating != nil {
		out = append(out, columnValue{column: "user_rating", value: *u.UserRating})
	}
	if u.ErrorMessage != nil {
		out = append(out, columnValue{column: "error_message", value: *u.ErrorMessage})
	}
	if u.ErrorCode != nil {
		out = append(out, columnValue{column: "error_code", value: *u.ErrorCode})
	}
	if u.LangfuseTraceID != nil {
		out = append(out, columnValue{column: "langfuse_trace_id", value: *u.LangfuseTraceID})
	}
	if u.LangfuseObservationID != nil {
		out = append(out, columnValue{column: "langfuse_observation_id", value: *u.LangfuseObservationID})
	}
	if u.Metadata != nil {
		encoded, err := EncodeBag(u.Metadata)
		if err != nil {
			return nil, err
		}
		out = append(out, columnValue{column: "metadata", value: encoded, json: true})
	}
	return out, nil
}

func statusStrings(statuses []Status) []string {
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, string(status))
	}
	return out
}
