// Package llm routes completion requests to the configured provider variant
// and handles transport concerns: auth headers, retry with backoff, response
// size limits, and token-usage extraction.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/vibeworks/vibed/pkg/metrics"
	"github.com/vibeworks/vibed/pkg/models"
)

// maxResponseSize caps the provider response body read.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// defaultMaxTokens bounds completion length when the caller does not.
const defaultMaxTokens = 8192

// Settings binds one provider variant to its credentials and model.
type Settings struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Request is one completion request.
type Request struct {
	// System is the system prompt; empty omits it.
	System string

	// Prompt is the user message.
	Prompt string

	// MaxTokens limits the completion length. 0 uses the default.
	MaxTokens int
}

// TokenUsage is the token consumption of one completed call.
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Response is the completion result.
type Response struct {
	// Text is the generated output.
	Text string

	// Model is the concrete model the provider reports serving.
	Model string

	// Usage carries token counts for billing.
	Usage TokenUsage

	// FinishReason is the provider's stop reason.
	FinishReason string
}

// RetryConfig controls the retry loop for transient failures.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration

	// MaxBackoff caps the backoff duration.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns the retry defaults: two retries, exponential
// backoff from one second.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  2,
		BackoffBase: time.Second,
		MaxBackoff:  15 * time.Second,
	}
}

type variant struct {
	provider Provider
	settings Settings
}

// Client routes requests to the provider matching a job's model variant.
type Client struct {
	httpClient *http.Client
	retry      RetryConfig
	logger     *slog.Logger
	variants   map[models.LLMModel]variant
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(rc RetryConfig) Option {
	return func(c *Client) { c.retry = rc }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a router over the two supported variants. A variant with
// an empty API key stays unconfigured; requests for it fail fast.
func NewClient(anthropic, openai Settings, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		retry:      DefaultRetryConfig(),
		logger:     slog.Default(),
		variants:   make(map[models.LLMModel]variant),
	}
	if anthropic.APIKey != "" {
		c.variants[models.ModelClaude] = variant{provider: GetProvider("anthropic"), settings: anthropic}
	}
	if openai.APIKey != "" {
		c.variants[models.ModelGPT] = variant{provider: GetProvider("openai"), settings: openai}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate sends one completion request to the provider serving model,
// retrying transient failures with exponential backoff.
func (c *Client) Generate(ctx context.Context, model models.LLMModel, req Request) (*Response, error) {
	v, ok := c.variants[model]
	if !ok {
		return nil, NewFatalError(fmt.Errorf("llm model %q is not configured", model))
	}
	if req.Prompt == "" {
		return nil, NewFatalError(fmt.Errorf("prompt is required"))
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = defaultMaxTokens
	}

	var lastErr error
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.calculateBackoff(attempt)
			c.logger.Warn("Retrying LLM request",
				"model", model,
				"attempt", attempt,
				"backoff", backoff,
				"error", lastErr)
			select {
			case <-ctx.Done():
				return nil, NewFatalError(ctx.Err())
			case <-time.After(backoff):
			}
		}

		resp, err := c.doRequest(ctx, v, req)
		if err == nil {
			metrics.LLMRequestsTotal.WithLabelValues(string(model), "success").Inc()
			metrics.LLMTokensTotal.WithLabelValues(string(model), "prompt").Add(float64(resp.Usage.PromptTokens))
			metrics.LLMTokensTotal.WithLabelValues(string(model), "completion").Add(float64(resp.Usage.CompletionTokens))
			return resp, nil
		}

		lastErr = err
		if IsFatal(err) {
			metrics.LLMRequestsTotal.WithLabelValues(string(model), "fatal_error").Inc()
			return nil, err
		}
		metrics.LLMRequestsTotal.WithLabelValues(string(model), "transient_error").Inc()
	}

	return nil, fmt.Errorf("llm request failed after %d attempts: %w", c.retry.MaxRetries+1, lastErr)
}

// doRequest performs one HTTP round trip against the variant's provider.
func (c *Client) doRequest(ctx context.Context, v variant, req Request) (*Response, error) {
	body, err := v.provider.BuildRequestBody(v.settings.Model, req.System, req.Prompt, req.MaxTokens)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.provider.BuildURL(v.settings.BaseURL), bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	v.provider.SetHeaders(httpReq, v.settings.APIKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network errors are transient.
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	return v.provider.ParseResponse(respBody)
}

// calculateBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	backoff := c.retry.BackoffBase
	for i := 1; i < attempt; i++ {
		backoff *= 2
	}
	if backoff > c.retry.MaxBackoff {
		backoff = c.retry.MaxBackoff
	}
	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}
