package langfuse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	ingestionPath = "/api/public/ingestion"
	healthPath    = "/api/public/health"

	defaultTimeout       = 10 * time.Second
	defaultMaxRetries    = 3
	defaultRetryWait     = 500 * time.Millisecond
	defaultRetryMaxWait  = 5 * time.Second
	maxErrorBodyPreview  = 512
	sdkIntegrationHeader = "promptlab"
)

var ErrNotConfigured = errors.New("langfuse client is not configured")

// APIError is a non-2xx response from the Langfuse API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("langfuse api returned http %d", e.StatusCode)
	}
	return fmt.Sprintf("langfuse api returned http %d: %s", e.StatusCode, e.Body)
}

type ClientOptions struct {
	Host      string
	PublicKey string
	SecretKey string
	Timeout   time.Duration
	// MaxRetries of zero uses the default; negative disables retries.
	MaxRetries   int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
	// Transport overrides the HTTP transport, e.g. with an instrumented one.
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// Client talks to the Langfuse public ingestion API.
type Client struct {
	host string
	http *resty.Client
}

func NewClient(opts ClientOptions) (*Client, error) {
	host := strings.TrimRight(strings.TrimSpace(opts.Host), "/")
	if host == "" || strings.TrimSpace(opts.PublicKey) == "" || strings.TrimSpace(opts.SecretKey) == "" {
		return nil, ErrNotConfigured
	}
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		return nil, fmt.Errorf("langfuse host must start with http:// or https:// (got %q)", opts.Host)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := opts.MaxRetries
	if retries < 0 {
		retries = 0
	} else if retries == 0 {
		retries = defaultMaxRetries
	}
	retryWait := opts.RetryWait
	if retryWait <= 0 {
		retryWait = defaultRetryWait
	}
	retryMaxWait := opts.RetryMaxWait
	if retryMaxWait <= 0 {
		retryMaxWait = defaultRetryMaxWait
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := resty.New().
		SetBaseURL(host).
		SetBasicAuth(strings.TrimSpace(opts.PublicKey), strings.TrimSpace(opts.SecretKey)).
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(retryWait).
		SetRetryMaxWaitTime(retryMaxWait).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Langfuse-Sdk-Name", sdkIntegrationHeader).
		SetLogger(restyLogger{logger: logger}).
		AddRetryCondition(retryableResponse)
	if opts.Transport != nil {
		httpClient.SetTransport(opts.Transport)
	}

	return &Client{host: host, http: httpClient}, nil
}

// Host returns the normalized API base URL.
func (c *Client) Host() string {
	if c == nil {
		return ""
	}
	return c.host
}

// retryableResponse retries rate limiting and server errors. Transport errors
// are retried by resty on its own.
func retryableResponse(resp *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if resp == nil {
		return false
	}
	code := resp.StatusCode()
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

type ingestionRequest struct {
	Batch    []Event        `json:"batch"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// IngestionResult mirrors the multi-status body returned by the ingestion API.
type IngestionResult struct {
	Successes []IngestionSuccess `json:"successes"`
	Errors    []IngestionError   `json:"errors"`
}

type IngestionSuccess struct {
	ID     string `json:"id"`
	Status int    `json:"status"`
}

type IngestionError struct {
	ID      string `json:"id"`
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
	Error   any    `json:"error,omitempty"`
}

// Ingest posts one batch. Per-event rejections come back in the result; only
// transport failures and non-2xx responses are returned as errors.
func (c *Client) Ingest(ctx context.Context, events []Event) (*IngestionResult, error) {
	if c == nil || c.http == nil {
		return nil, ErrNotConfigured
	}
	if len(events) == 0 {
		return &IngestionResult{}, nil
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(ingestionRequest{
			Batch:    events,
			Metadata: map[string]any{"batch_size": len(events), "sdk_integration": sdkIntegrationHeader},
		}).
		Post(ingestionPath)
	if err != nil {
		return nil, fmt.Errorf("post langfuse ingestion batch: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, &APIError{StatusCode: resp.StatusCode(), Body: preview(resp.Body())}
	}

	result := &IngestionResult{}
	if body := resp.Body(); len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return nil, fmt.Errorf("decode langfuse ingestion response: %w", err)
		}
	}
	return result, nil
}

type HealthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Health calls the public health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	if c == nil || c.http == nil {
		return nil, ErrNotConfigured
	}
	status := &HealthStatus{}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(status).
		Get(healthPath)
	if err != nil {
		return nil, fmt.Errorf("get langfuse health: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, &APIError{StatusCode: resp.StatusCode(), Body: preview(resp.Body())}
	}
	return status, nil
}

func preview(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorBodyPreview {
		return text[:maxErrorBodyPreview] + "..."
	}
	return text
}

type restyLogger struct {
	logger *slog.Logger
}

func (l restyLogger) Errorf(format string, v ...any) {
	l.logger.Error("langfuse http client", "detail", strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l restyLogger) Warnf(format string, v ...any) {
	l.logger.Warn("langfuse http client", "detail", strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l restyLogger) Debugf(format string, v ...any) {
	l.logger.Debug("langfuse http client", "detail", strings.TrimSpace(fmt.Sprintf(format, v...)))
}
