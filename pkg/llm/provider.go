package llm

import (
	"net/http"
	"sync"
)

// Provider adapts one LLM vendor's HTTP API.
type Provider interface {
	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string

	// BuildURL constructs the completion endpoint URL from a base URL.
	BuildURL(baseURL string) string

	// SetHeaders adds provider-specific auth and version headers.
	SetHeaders(req *http.Request, apiKey string)

	// BuildRequestBody creates the JSON request body.
	BuildRequestBody(model, system, prompt string, maxTokens int) ([]byte, error)

	// ParseResponse extracts text and token usage from provider JSON.
	ParseResponse(body []byte) (*Response, error)
}

var (
	providerRegistry = make(map[string]Provider)
	providerMu       sync.RWMutex
)

// RegisterProvider adds a provider to the registry. Providers register
// themselves in init.
func RegisterProvider(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	providerRegistry[p.Name()] = p
}

// GetProvider retrieves a provider by name, or nil when unregistered.
func GetProvider(name string) Provider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return providerRegistry[name]
}
