package llm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const (
	openaiDefaultBaseURL = "https://api.openai.com"
	openaiDefaultModel   = "gpt-4o"
)

func init() {
	RegisterProvider(&openaiProvider{})
}

// openaiProvider speaks the OpenAI Chat Completions API.
type openaiProvider struct{}

func (p *openaiProvider) Name() string {
	return "openai"
}

func (p *openaiProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = openaiDefaultBaseURL
	}
	return strings.TrimSuffix(baseURL, "/") + "/v1/chat/completions"
}

func (p *openaiProvider) SetHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Authorization", "Bearer "+apiKey)
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens,omitempty"`
	Messages  []openaiMessage `json:"messages"`
}

func (p *openaiProvider) BuildRequestBody(model, system, prompt string, maxTokens int) ([]byte, error) {
	if model == "" {
		model = openaiDefaultModel
	}
	messages := make([]openaiMessage, 0, 2)
	if system != "" {
		messages = append(messages, openaiMessage{Role: "system", Content: system})
	}
	messages = append(messages, openaiMessage{Role: "user", Content: prompt})

	return json.Marshal(openaiRequest{
		Model:     model,
		MaxTokens: maxTokens,
		Messages:  messages,
	})
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

func (p *openaiProvider) ParseResponse(body []byte) (*Response, error) {
	var resp openaiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NewFatalError(fmt.Errorf("parse openai response: %w", err))
	}
	if len(resp.Choices) == 0 {
		return nil, NewFatalError(fmt.Errorf("openai response contains no choices"))
	}

	total := resp.Usage.TotalTokens
	if total == 0 {
		total = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}

	return &Response{
		Text:         resp.Choices[0].Message.Content,
		Model:        resp.Model,
		FinishReason: resp.Choices[0].FinishReason,
		Usage: TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      total,
		},
	}, nil
}
