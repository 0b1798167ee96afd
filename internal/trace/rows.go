package trace

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// traceColumns is the insert and select order shared by both stores.
var traceColumns = []string{
	"id",
	"user_id",
	"session_id",
	"source",
	"model",
	"prompt",
	"system_prompt",
	"parameters",
	"status",
	"streaming",
	"response",
	"started_at",
	"completed_at",
	"duration_ms",
	"input_tokens",
	"output_tokens",
	"total_tokens",
	"input_cost_usd",
	"output_cost_usd",
	"total_cost_usd",
	"first_token_ms",
	"tokens_per_second",
	"quality_score",
	"user_rating",
	"error_message",
	"error_code",
	"langfuse_trace_id",
	"langfuse_observation_id",
	"metadata",
	"created_at",
	"updated_at",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func normalizeTrace(in *Trace) *Trace {
	row := *in
	now := time.Now().UTC()

	if row.StartedAt.IsZero() {
		row.StartedAt = now
	}
	row.StartedAt = row.StartedAt.UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = row.StartedAt
	}
	row.CreatedAt = row.CreatedAt.UTC()
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = row.CreatedAt
	}
	row.UpdatedAt = row.UpdatedAt.UTC()
	if row.Status == "" {
		row.Status = StatusPending
	}
	if row.CompletedAt != nil {
		completed := row.CompletedAt.UTC()
		row.CompletedAt = &completed
	}
	return &row
}

// insertArgs returns values in traceColumns order.
func insertArgs(row *Trace) ([]any, error) {
	parameters, err := EncodeBag(row.Parameters)
	if err != nil {
		return nil, fmt.Errorf("trace %q parameters: %w", row.ID, err)
	}
	metadata, err := EncodeBag(row.Metadata)
	if err != nil {
		return nil, fmt.Errorf("trace %q metadata: %w", row.ID, err)
	}

	var (
		inputTokens, outputTokens, totalTokens any
		inputCost, outputCost, totalCost       any
		completedAt                            any
	)
	if row.Tokens != nil {
		inputTokens, outputTokens, totalTokens = row.Tokens.Input, row.Tokens.Output, row.Tokens.Total
	}
	if row.Cost != nil {
		inputCost, outputCost, totalCost = row.Cost.InputUSD, row.Cost.OutputUSD, row.Cost.TotalUSD
	}
	if row.CompletedAt != nil {
		completedAt = row.CompletedAt.UTC()
	}

	return []any{
		row.ID,
		row.UserID,
		row.SessionID,
		string(row.Source),
		row.Model,
		row.Prompt,
		row.SystemPrompt,
		nullIfEmpty(parameters),
		string(row.Status),
		row.Streaming,
		row.Response,
		row.StartedAt,
		completedAt,
		nullableInt64(row.DurationMS),
		inputTokens,
		outputTokens,
		totalTokens,
		inputCost,
		outputCost,
		totalCost,
		nullableInt64(row.FirstTokenMS),
		nullableFloat64(row.TokensPerSecond),
		nullableFloat64(row.QualityScore),
		nullableInt(row.UserRating),
		row.ErrorMessage,
		row.ErrorCode,
		row.LangfuseTraceID,
		row.LangfuseObservationID,
		nullIfEmpty(metadata),
		row.CreatedAt,
		row.UpdatedAt,
	}, nil
}

func encodeTraceCursor(createdAt time.Time, id string) string {
	if createdAt.IsZero() || id == "" {
		return ""
	}
	raw := createdAt.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeTraceCursor(cursor string) (time.Time, string, error) {
	payload, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: decode base64 cursor", ErrInvalidCursor)
	}
	parts := strings.SplitN(string(payload), "|", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		return time.Time{}, "", fmt.Errorf("%w: missing id", ErrInvalidCursor)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(parts[0]))
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: parse created_at", ErrInvalidCursor)
	}
	return createdAt.UTC(), strings.TrimSpace(parts[1]), nil
}

func nextCursor(items []*Trace, limit int) ([]*Trace, string) {
	if len(items) <= limit {
		return items, ""
	}
	items = items[:limit]
	last := items[len(items)-1]
	return items, encodeTraceCursor(last.CreatedAt, last.ID)
}

func nullIfEmpty(value string) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return value
}

func nullableInt64(value *int64) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableFloat64(value *float64) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableInt(value *int) any {
	if value == nil {
		return nil
	}
	return int64(*value)
}

// tokensFromColumns rebuilds usage only when at least one column was set.
func tokensFromColumns(input, output, total *int64) *TokenUsage {
	if input == nil && output == nil && total == nil {
		return nil
	}
	usage := &TokenUsage{}
	if input != nil {
		usage.Input = *input
	}
	if output != nil {
		usage.Output = *output
	}
	if total != nil {
		usage.Total = *total
	}
	return usage
}

func costFromColumns(input, output, total *float64) *CostBreakdown {
	if input == nil && output == nil && total == nil {
		return nil
	}
	cost := &CostBreakdown{}
	if input != nil {
		cost.InputUSD = *input
	}
	if output != nil {
		cost.OutputUSD = *output
	}
	if total != nil {
		cost.TotalUSD = *total
	}
	return cost
}
