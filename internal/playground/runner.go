// Package playground runs prompts against an OpenAI-compatible chat API and
// records each run as a tracked trace.
package playground

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/promptlab/promptlab/internal/trace"
	"github.com/promptlab/promptlab/internal/tracker"
)

const (
	providerSpanName = "provider_call"

	errorCodeProvider    = "provider_error"
	errorCodeRateLimited = "provider_rate_limited"
	errorCodeStream      = "stream_error"
	errorCodeCancelled   = "cancelled"
)

var ErrNotConfigured = errors.New("playground provider is not configured")

// ChatStreamer is satisfied by *openai.Client.
type ChatStreamer interface {
	CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// Tracker is the subset of tracker.Service a run drives.
type Tracker interface {
	Start(ctx context.Context, caller tracker.Caller, in tracker.StartInput) (*tracker.StartResult, error)
	Update(ctx context.Context, caller tracker.Caller, traceID string, in tracker.TraceUpdate) (*tracker.UpdateResult, error)
	Complete(ctx context.Context, caller tracker.Caller, traceID string, in tracker.CompleteInput) (*tracker.CompleteResult, error)
	StartSpan(ctx context.Context, caller tracker.Caller, traceID, name string) (*tracker.SpanResult, error)
	EndSpan(ctx context.Context, caller tracker.Caller, traceID, spanID string) (*tracker.SpanResult, error)
}

// Price is the USD cost per 1000 tokens for one model.
type Price struct {
	InputPer1K  float64 `yaml:"input_per_1k" json:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k" json:"output_per_1k"`
}

type Options struct {
	Tracker      Tracker
	Client       ChatStreamer
	DefaultModel string
	Pricing      map[string]Price
	Logger       *slog.Logger
	Now          func() time.Time
}

// NewOpenAIClient builds a chat client for an OpenAI-compatible endpoint. A
// nil transport uses http.DefaultTransport.
func NewOpenAIClient(baseURL, apiKey string, transport http.RoundTripper) (*openai.Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrNotConfigured
	}
	cfg := openai.DefaultConfig(strings.TrimSpace(apiKey))
	if base := strings.TrimSpace(baseURL); base != "" {
		cfg.BaseURL = strings.TrimRight(base, "/")
	}
	if transport != nil {
		cfg.HTTPClient = &http.Client{Transport: transport}
	}
	return openai.NewClientWithConfig(cfg), nil
}

type Runner struct {
	tracker      Tracker
	client       ChatStreamer
	defaultModel string
	pricing      map[string]Price
	logger       *slog.Logger
	now          func() time.Time
}

func NewRunner(opts Options) (*Runner, error) {
	if opts.Tracker == nil {
		return nil, errors.New("playground runner requires a tracker")
	}
	if opts.Client == nil {
		return nil, ErrNotConfigured
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Runner{
		tracker:      opts.Tracker,
		client:       opts.Client,
		defaultModel: strings.TrimSpace(opts.DefaultModel),
		pricing:      opts.Pricing,
		logger:       logger,
		now:          now,
	}, nil
}

type Request struct {
	Model        string         `json:"model,omitempty"`
	Prompt       string         `json:"prompt"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	Temperature  *float32       `json:"temperature,omitempty"`
	MaxTokens    int            `json:"max_tokens,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Result is the outcome of one run. A provider failure is reported through
// Status and Error; the returned error is reserved for tracking failures.
type Result struct {
	TraceID  string          `json:"trace_id"`
	Status   trace.Status    `json:"status"`
	Model    string          `json:"model"`
	Response string          `json:"response"`
	Error    string          `json:"error,omitempty"`
	Metrics  tracker.Metrics `json:"metrics"`
}

// Run streams one chat completion and records it as a playground trace.
func (r *Runner) Run(ctx context.Context, caller tracker.Caller, req Request) (*Result, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = r.defaultModel
	}

	started, err := r.tracker.Start(ctx, caller, tracker.StartInput{
		UserID:       caller.ID,
		SessionID:    req.SessionID,
		Source:       trace.SourcePlayground,
		Model:        model,
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		Parameters:   parameters(req),
		Streaming:    true,
		Metadata:     req.Metadata,
	})
	if err != nil {
		return nil, err
	}
	traceID := started.TraceID
	logger := r.logger.With("trace_id", traceID, "model", model)

	// Completion must be recorded even when the caller goes away mid-stream.
	recordCtx := context.WithoutCancel(ctx)

	span, err := r.tracker.StartSpan(recordCtx, caller, traceID, providerSpanName)
	if err != nil {
		logger.Warn("playground span start failed", "error", err)
	}

	run := r.stream(ctx, recordCtx, caller, traceID, started.StartTime, model, req, logger)

	if span != nil {
		if _, err := r.tracker.EndSpan(recordCtx, caller, traceID, span.SpanID); err != nil {
			logger.Warn("playground span end failed", "error", err)
		}
	}

	completed, err := r.tracker.Complete(recordCtx, caller, traceID, run.completeInput(r.priceFor(model)))
	if err != nil {
		return nil, err
	}
	if run.status != trace.StatusSuccess {
		logger.Info("playground run did not succeed", "status", string(run.status), "error_code", run.errorCode)
	}
	return &Result{
		TraceID:  traceID,
		Status:   completed.Status,
		Model:    model,
		Response: run.response.String(),
		Error:    run.errorMessage,
		Metrics:  completed.Metrics,
	}, nil
}

type streamOutcome struct {
	status       trace.Status
	response     strings.Builder
	usage        *openai.Usage
	chunks       int64
	firstTokenMS *int64
	streamMS     int64
	errorCode    string
	errorMessage string
}

func (r *Runner) stream(ctx, recordCtx context.Context, caller tracker.Caller, traceID string, startedAt time.Time, model string, req Request, logger *slog.Logger) *streamOutcome {
	out := &streamOutcome{}

	request := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      messages(req),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
		MaxTokens:     req.MaxTokens,
	}
	if req.Temperature != nil {
		request.Temperature = *req.Temperature
	}

	stream, err := r.client.CreateChatCompletionStream(ctx, request)
	if err != nil {
		out.fail(ctx, err)
		return out
	}
	defer stream.Close()

	var firstTokenAt time.Time
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			out.status = trace.StatusSuccess
			break
		}
		if err != nil {
			out.fail(ctx, err)
			break
		}
		if chunk.Usage != nil {
			usage := *chunk.Usage
			out.usage = &usage
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			out.chunks++
			out.response.WriteString(choice.Delta.Content)
			if out.firstTokenMS != nil {
				continue
			}
			firstTokenAt = r.now()
			ms := firstTokenAt.Sub(startedAt).Milliseconds()
			if ms < 0 {
				ms = 0
			}
			out.firstTokenMS = &ms
			streaming := trace.StatusStreaming
			if _, err := r.tracker.Update(recordCtx, caller, traceID, tracker.TraceUpdate{
				Status:       &streaming,
				FirstTokenMS: &ms,
			}); err != nil {
				logger.Warn("playground streaming update failed", "error", err)
			}
		}
	}
	if !firstTokenAt.IsZero() {
		out.streamMS = r.now().Sub(firstTokenAt).Milliseconds()
	}
	return out
}

func (o *streamOutcome) fail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		o.status = trace.StatusCancelled
		o.errorCode = errorCodeCancelled
		o.errorMessage = "run cancelled by caller"
		return
	}
	o.status = trace.StatusError
	o.errorMessage = err.Error()

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		o.errorCode = providerCode(apiErr.HTTPStatusCode)
		o.errorMessage = apiErr.Message
	case errors.As(err, &reqErr):
		o.errorCode = providerCode(reqErr.HTTPStatusCode)
	case o.chunks > 0:
		o.errorCode = errorCodeStream
	default:
		o.errorCode = errorCodeProvider
	}
}

func providerCode(status int) string {
	if status == 429 {
		return errorCodeRateLimited
	}
	if status > 0 {
		return fmt.Sprintf("%s_%d", errorCodeProvider, status)
	}
	return errorCodeProvider
}

func (o *streamOutcome) completeInput(price *Price) tracker.CompleteInput {
	in := tracker.CompleteInput{
		Status:       o.status,
		Response:     o.response.String(),
		FirstTokenMS: o.firstTokenMS,
		ErrorCode:    o.errorCode,
		ErrorMessage: o.errorMessage,
	}

	outputTokens := o.chunks
	if o.usage != nil {
		input := int64(o.usage.PromptTokens)
		output := int64(o.usage.CompletionTokens)
		outputTokens = output
		in.Tokens = &tracker.TokenInput{Input: &input, Output: &output}
		if price != nil {
			inputUSD := float64(input) / 1000 * price.InputPer1K
			outputUSD := float64(output) / 1000 * price.OutputPer1K
			in.Cost = &tracker.CostInput{InputUSD: &inputUSD, OutputUSD: &outputUSD}
		}
	}
	if o.streamMS > 0 && outputTokens > 0 {
		tps := float64(outputTokens) / (float64(o.streamMS) / 1000)
		in.TokensPerSecond = &tps
	}
	return in
}

func (r *Runner) priceFor(model string) *Price {
	if price, ok := r.pricing[model]; ok {
		return &price
	}
	return nil
}

func messages(req Request) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, 2)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	return append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})
}

func parameters(req Request) map[string]any {
	params := map[string]any{}
	if req.Temperature != nil {
		params["temperature"] = float64(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params["max_tokens"] = req.MaxTokens
	}
	if len(params) == 0 {
		return nil
	}
	return params
}
