package langfuse

import (
	"strings"
	"time"

	"github.com/promptlab/promptlab/internal/trace"
)

type EventType string

const (
	EventTraceCreate      EventType = "trace-create"
	EventGenerationCreate EventType = "generation-create"
	EventScoreCreate      EventType = "score-create"
)

const (
	LevelDefault = "DEFAULT"
	LevelWarning = "WARNING"
	LevelError   = "ERROR"
)

// Event is one entry of an ingestion batch.
type Event struct {
	ID        string    `json:"id"`
	Timestamp string    `json:"timestamp"`
	Type      EventType `json:"type"`
	Body      any       `json:"body"`
}

type TraceBody struct {
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp,omitempty"`
	Name      string         `json:"name,omitempty"`
	UserID    string         `json:"userId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Input     any            `json:"input,omitempty"`
	Output    any            `json:"output,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
}

type Usage struct {
	Input      int64    `json:"input"`
	Output     int64    `json:"output"`
	Total      int64    `json:"total"`
	Unit       string   `json:"unit"`
	InputCost  *float64 `json:"inputCost,omitempty"`
	OutputCost *float64 `json:"outputCost,omitempty"`
	TotalCost  *float64 `json:"totalCost,omitempty"`
}

type GenerationBody struct {
	ID                  string         `json:"id"`
	TraceID             string         `json:"traceId"`
	Name                string         `json:"name"`
	StartTime           string         `json:"startTime"`
	EndTime             string         `json:"endTime,omitempty"`
	CompletionStartTime string         `json:"completionStartTime,omitempty"`
	Model               string         `json:"model,omitempty"`
	ModelParameters     map[string]any `json:"modelParameters,omitempty"`
	Input               any            `json:"input,omitempty"`
	Output              any            `json:"output,omitempty"`
	Usage               *Usage         `json:"usage,omitempty"`
	Level               string         `json:"level"`
	StatusMessage       string         `json:"statusMessage,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

type ScoreBody struct {
	ID            string  `json:"id"`
	TraceID       string  `json:"traceId"`
	ObservationID string  `json:"observationId,omitempty"`
	Name          string  `json:"name"`
	Value         float64 `json:"value"`
	DataType      string  `json:"dataType"`
	Comment       string  `json:"comment,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BuildEvents converts a completed trace into ingestion events: the trace,
// one generation observation, and scores for any quality figures.
func BuildEvents(t *trace.Trace, newID func() string, now time.Time) []Event {
	if t == nil {
		return nil
	}
	traceID := firstNonEmpty(t.LangfuseTraceID, t.ID)
	observationID := t.LangfuseObservationID
	if observationID == "" {
		observationID = newID()
	}
	stamp := formatTime(now)

	metadata := trace.MergeBags(t.Metadata, map[string]any{
		"promptlab_trace_id": t.ID,
		"source":             string(t.Source),
		"status":             string(t.Status),
	})
	if t.Streaming {
		metadata["streaming"] = true
	}

	var output any
	if t.Response != "" {
		output = t.Response
	}

	events := []Event{
		{
			ID:        newID(),
			Timestamp: stamp,
			Type:      EventTraceCreate,
			Body: TraceBody{
				ID:        traceID,
				Timestamp: formatTime(t.StartedAt),
				Name:      "promptlab." + string(t.Source),
				UserID:    t.UserID,
				SessionID: t.SessionID,
				Input:     t.Prompt,
				Output:    output,
				Metadata:  metadata,
				Tags:      []string{string(t.Source), string(t.Status)},
			},
		},
	}

	generation := GenerationBody{
		ID:              observationID,
		TraceID:         traceID,
		Name:            "completion",
		StartTime:       formatTime(t.StartedAt),
		Model:           t.Model,
		ModelParameters: t.Parameters,
		Input:           promptMessages(t),
		Output:          output,
		Usage:           usageFor(t),
		Level:           levelFor(t.Status),
		StatusMessage:   statusMessage(t),
	}
	if t.CompletedAt != nil {
		generation.EndTime = formatTime(*t.CompletedAt)
	}
	if t.FirstTokenMS != nil {
		generation.CompletionStartTime = formatTime(t.StartedAt.Add(time.Duration(*t.FirstTokenMS) * time.Millisecond))
	}
	if t.TokensPerSecond != nil {
		generation.Metadata = map[string]any{"tokens_per_second": *t.TokensPerSecond}
	}
	events = append(events, Event{ID: newID(), Timestamp: stamp, Type: EventGenerationCreate, Body: generation})

	if t.UserRating != nil {
		events = append(events, Event{
			ID:        newID(),
			Timestamp: stamp,
			Type:      EventScoreCreate,
			Body: ScoreBody{
				ID:            newID(),
				TraceID:       traceID,
				ObservationID: observationID,
				Name:          "user_rating",
				Value:         float64(*t.UserRating),
				DataType:      "NUMERIC",
			},
		})
	}
	if t.QualityScore != nil {
		events = append(events, Event{
			ID:        newID(),
			Timestamp: stamp,
			Type:      EventScoreCreate,
			Body: ScoreBody{
				ID:            newID(),
				TraceID:       traceID,
				ObservationID: observationID,
				Name:          "quality_score",
				Value:         *t.QualityScore,
				DataType:      "NUMERIC",
			},
		})
	}
	return events
}

func promptMessages(t *trace.Trace) []chatMessage {
	messages := make([]chatMessage, 0, 2)
	if strings.TrimSpace(t.SystemPrompt) != "" {
		messages = append(messages, chatMessage{Role: "system", Content: t.SystemPrompt})
	}
	return append(messages, chatMessage{Role: "user", Content: t.Prompt})
}

func usageFor(t *trace.Trace) *Usage {
	if t.Tokens == nil && t.Cost == nil {
		return nil
	}
	usage := &Usage{Unit: "TOKENS"}
	if t.Tokens != nil {
		usage.Input = t.Tokens.Input
		usage.Output = t.Tokens.Output
		usage.Total = t.Tokens.Total
	}
	if t.Cost != nil {
		input, output, total := t.Cost.InputUSD, t.Cost.OutputUSD, t.Cost.TotalUSD
		usage.InputCost = &input
		usage.OutputCost = &output
		usage.TotalCost = &total
	}
	return usage
}

func levelFor(status trace.Status) string {
	switch status {
	case trace.StatusError:
		return LevelError
	case trace.StatusCancelled:
		return LevelWarning
	default:
		return LevelDefault
	}
}

func statusMessage(t *trace.Trace) string {
	switch {
	case t.ErrorCode != "" && t.ErrorMessage != "":
		return t.ErrorCode + ": " + t.ErrorMessage
	case t.ErrorMessage != "":
		return t.ErrorMessage
	case t.Status == trace.StatusCancelled:
		return "cancelled"
	default:
		return t.ErrorCode
	}
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
