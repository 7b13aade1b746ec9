package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibeworks/vibed/pkg/models"
)

func anthropicReply(text string, in, out int64) map[string]any {
	return map[string]any{
		"content":     []map[string]any{{"type": "text", "text": text}},
		"model":       "claude-sonnet-4-20250514",
		"stop_reason": "end_turn",
		"usage":       map[string]any{"input_tokens": in, "output_tokens": out},
	}
}

func openaiReply(text string, prompt, completion int64) map[string]any {
	return map[string]any{
		"model": "gpt-4o",
		"choices": []map[string]any{
			{"message": map[string]any{"content": text}, "finish_reason": "stop"},
		},
		"usage": map[string]any{
			"prompt_tokens":     prompt,
			"completion_tokens": completion,
			"total_tokens":      prompt + completion,
		},
	}
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 2, BackoffBase: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestGenerateClaudeRoutesToAnthropic(t *testing.T) {
	var gotPath, gotKey, gotVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")

		var body anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "claude-sonnet-4-20250514", body.Model)
		assert.Equal(t, "sys", body.System)
		require.Len(t, body.Messages, 1)
		assert.Equal(t, "user", body.Messages[0].Role)

		_ = json.NewEncoder(w).Encode(anthropicReply("diff --git ...", 1000, 500))
	}))
	defer srv.Close()

	c := NewClient(
		Settings{APIKey: "k1", BaseURL: srv.URL, Model: "claude-sonnet-4-20250514"},
		Settings{},
		time.Second,
		WithRetryConfig(fastRetry()),
	)

	resp, err := c.Generate(context.Background(), models.ModelClaude, Request{System: "sys", Prompt: "do it"})
	require.NoError(t, err)

	assert.Equal(t, "/v1/messages", gotPath)
	assert.Equal(t, "k1", gotKey)
	assert.Equal(t, "2023-06-01", gotVersion)
	assert.Equal(t, "diff --git ...", resp.Text)
	assert.Equal(t, int64(1000), resp.Usage.PromptTokens)
	assert.Equal(t, int64(500), resp.Usage.CompletionTokens)
	assert.Equal(t, int64(1500), resp.Usage.TotalTokens)
}

func TestGenerateGPTRoutesToOpenAI(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")

		var body openaiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o", body.Model)
		require.Len(t, body.Messages, 2)
		assert.Equal(t, "system", body.Messages[0].Role)
		assert.Equal(t, "user", body.Messages[1].Role)

		_ = json.NewEncoder(w).Encode(openaiReply("NO_CHANGES", 10, 2))
	}))
	defer srv.Close()

	c := NewClient(
		Settings{},
		Settings{APIKey: "k2", BaseURL: srv.URL, Model: "gpt-4o"},
		time.Second,
		WithRetryConfig(fastRetry()),
	)

	resp, err := c.Generate(context.Background(), models.ModelGPT, Request{System: "sys", Prompt: "do it"})
	require.NoError(t, err)

	assert.Equal(t, "/v1/chat/completions", gotPath)
	assert.Equal(t, "Bearer k2", gotAuth)
	assert.Equal(t, "NO_CHANGES", resp.Text)
	assert.Equal(t, int64(12), resp.Usage.TotalTokens)
}

func TestGenerateUnconfiguredModelFails(t *testing.T) {
	c := NewClient(Settings{APIKey: "k1"}, Settings{}, time.Second)

	_, err := c.Generate(context.Background(), models.ModelGPT, Request{Prompt: "x"})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Contains(t, err.Error(), "not configured")
}

func TestGenerateRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(anthropicReply("ok", 1, 1))
	}))
	defer srv.Close()

	c := NewClient(
		Settings{APIKey: "k", BaseURL: srv.URL},
		Settings{},
		time.Second,
		WithRetryConfig(fastRetry()),
	)

	resp, err := c.Generate(context.Background(), models.ModelClaude, Request{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGenerateExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(
		Settings{APIKey: "k", BaseURL: srv.URL},
		Settings{},
		time.Second,
		WithRetryConfig(fastRetry()),
	)

	_, err := c.Generate(context.Background(), models.ModelClaude, Request{Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load(), "initial attempt plus two retries")
}

func TestGenerateFatalErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(
		Settings{APIKey: "k", BaseURL: srv.URL},
		Settings{},
		time.Second,
		WithRetryConfig(fastRetry()),
	)

	_, err := c.Generate(context.Background(), models.ModelClaude, Request{Prompt: "x"})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClassifyHTTPError(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{status: 429, transient: true},
		{status: 500, transient: true},
		{status: 502, transient: true},
		{status: 503, transient: true},
		{status: 400, transient: false},
		{status: 401, transient: false},
		{status: 403, transient: false},
		{status: 404, transient: false},
	}
	for _, tt := range tests {
		err := classifyHTTPError(tt.status, []byte("body"))
		if tt.transient {
			assert.True(t, IsTransient(err), "status %d should be transient", tt.status)
		} else {
			assert.True(t, IsFatal(err), "status %d should be fatal", tt.status)
		}
	}
}

func TestAnthropicParseResponseNoText(t *testing.T) {
	p := &anthropicProvider{}
	_, err := p.ParseResponse([]byte(`{"content":[],"usage":{"input_tokens":1,"output_tokens":0}}`))
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestOpenAIParseResponseNoChoices(t *testing.T) {
	p := &openaiProvider{}
	_, err := p.ParseResponse([]byte(`{"choices":[]}`))
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestProviderDefaultURLs(t *testing.T) {
	a := &anthropicProvider{}
	assert.Equal(t, "https://api.anthropic.com/v1/messages", a.BuildURL(""))
	assert.Equal(t, "https://proxy.local/v1/messages", a.BuildURL("https://proxy.local/"))

	o := &openaiProvider{}
	assert.Equal(t, "https://api.openai.com/v1/chat/completions", o.BuildURL(""))
}
