package llm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicDefaultModel   = "claude-sonnet-4-20250514"
	anthropicAPIVersion     = "2023-06-01"
)

func init() {
	RegisterProvider(&anthropicProvider{})
}

// anthropicProvider speaks the Anthropic Messages API.
type anthropicProvider struct{}

func (p *anthropicProvider) Name() string {
	return "anthropic"
}

func (p *anthropicProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	return strings.TrimSuffix(baseURL, "/") + "/v1/messages"
}

func (p *anthropicProvider) SetHeaders(req *http.Request, apiKey string) {
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

func (p *anthropicProvider) BuildRequestBody(model, system, prompt string, maxTokens int) ([]byte, error) {
	if model == "" {
		model = anthropicDefaultModel
	}
	return json.Marshal(anthropicRequest{
		Model:     model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
	})
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (p *anthropicProvider) ParseResponse(body []byte) (*Response, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NewFatalError(fmt.Errorf("parse anthropic response: %w", err))
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return nil, NewFatalError(fmt.Errorf("anthropic response contains no text content"))
	}

	return &Response{
		Text:         sb.String(),
		Model:        resp.Model,
		FinishReason: resp.StopReason,
		Usage: TokenUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}
