package tracker

import (
	"encoding/json"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/promptlab/promptlab/internal/trace"
)

const (
	maxPromptChars       = 50000
	maxSystemPromptChars = 10000
	maxModelChars        = 200
	maxErrorCodeChars    = 100
)

// TokenInput carries caller-supplied token counts. Total is optional and is
// derived from the parts when absent.
type TokenInput struct {
	Input  *int64 `json:"input,omitempty"`
	Output *int64 `json:"output,omitempty"`
	Total  *int64 `json:"total,omitempty"`
}

type CostInput struct {
	InputUSD  *float64 `json:"input,omitempty"`
	OutputUSD *float64 `json:"output,omitempty"`
	TotalUSD  *float64 `json:"total,omitempty"`
}

// costTolerance absorbs float rounding when checking total = input + output.
const costTolerance = 1e-9

// ValidateStart checks a start request without touching the store. The
// request layer runs it before spending a rate-limit token.
func ValidateStart(in StartInput) error {
	if strings.TrimSpace(in.UserID) == "" {
		return invalid("user_id", "is required")
	}
	if !in.Source.Valid() {
		return invalid("source", "must be one of playground, api, test")
	}
	model := strings.TrimSpace(in.Model)
	if model == "" {
		return invalid("model", "is required")
	}
	if utf8.RuneCountInString(model) > maxModelChars {
		return invalid("model", "must be at most %d characters", maxModelChars)
	}
	promptChars := utf8.RuneCountInString(in.Prompt)
	if promptChars < 1 {
		return invalid("prompt", "is required")
	}
	if promptChars > maxPromptChars {
		return invalid("prompt", "must be at most %d characters", maxPromptChars)
	}
	if utf8.RuneCountInString(in.SystemPrompt) > maxSystemPromptChars {
		return invalid("system_prompt", "must be at most %d characters", maxSystemPromptChars)
	}
	if err := validateBag("parameters", in.Parameters); err != nil {
		return err
	}
	return validateBag("metadata", in.Metadata)
}

func validateBag(field string, bag map[string]any) error {
	if len(bag) == 0 {
		return nil
	}
	if _, err := json.Marshal(bag); err != nil {
		return invalid(field, "must be JSON encodable")
	}
	return nil
}

type measurements struct {
	FirstTokenMS    *int64
	TokensPerSecond *float64
	QualityScore    *float64
	UserRating      *int
}

func (m measurements) validate() error {
	if m.FirstTokenMS != nil && *m.FirstTokenMS < 0 {
		return invalid("first_token_ms", "must be non-negative")
	}
	if m.TokensPerSecond != nil && (*m.TokensPerSecond < 0 || math.IsNaN(*m.TokensPerSecond) || math.IsInf(*m.TokensPerSecond, 0)) {
		return invalid("tokens_per_second", "must be a non-negative number")
	}
	if m.QualityScore != nil && (*m.QualityScore < 0 || *m.QualityScore > 5 || math.IsNaN(*m.QualityScore)) {
		return invalid("quality_score", "must be between 0 and 5")
	}
	if m.UserRating != nil && (*m.UserRating < 1 || *m.UserRating > 5) {
		return invalid("user_rating", "must be an integer between 1 and 5")
	}
	return nil
}

// resolveTokens overlays in on base and enforces total = input + output.
func resolveTokens(base *trace.TokenUsage, in *TokenInput) (*trace.TokenUsage, error) {
	if in == nil {
		return nil, nil
	}
	out := trace.TokenUsage{}
	if base != nil {
		out = *base
	}
	if in.Input != nil {
		out.Input = *in.Input
	}
	if in.Output != nil {
		out.Output = *in.Output
	}
	if out.Input < 0 || out.Output < 0 {
		return nil, invalid("tokens", "counts must be non-negative")
	}
	sum := out.Input + out.Output
	if in.Total != nil {
		if *in.Total < 0 {
			return nil, invalid("tokens.total", "must be non-negative")
		}
		if *in.Total != sum {
			return nil, invalid("tokens.total", "is %d but input + output is %d", *in.Total, sum)
		}
	}
	out.Total = sum
	return &out, nil
}

func resolveCost(base *trace.CostBreakdown, in *CostInput) (*trace.CostBreakdown, error) {
	if in == nil {
		return nil, nil
	}
	out := trace.CostBreakdown{}
	if base != nil {
		out = *base
	}
	if in.InputUSD != nil {
		out.InputUSD = *in.InputUSD
	}
	if in.OutputUSD != nil {
		out.OutputUSD = *in.OutputUSD
	}
	if out.InputUSD < 0 || out.OutputUSD < 0 || math.IsNaN(out.InputUSD) || math.IsNaN(out.OutputUSD) {
		return nil, invalid("cost", "amounts must be non-negative")
	}
	sum := out.InputUSD + out.OutputUSD
	if in.TotalUSD != nil {
		if *in.TotalUSD < 0 {
			return nil, invalid("cost.total", "must be non-negative")
		}
		if math.Abs(*in.TotalUSD-sum) > costTolerance {
			return nil, invalid("cost.total", "is %g but input + output is %g", *in.TotalUSD, sum)
		}
	}
	out.TotalUSD = sum
	return &out, nil
}

func validateErrorCode(code string) error {
	if utf8.RuneCountInString(code) > maxErrorCodeChars {
		return invalid("error_code", "must be at most %d characters", maxErrorCodeChars)
	}
	return nil
}
