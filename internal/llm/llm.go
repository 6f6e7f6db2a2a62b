// Package llm implements clients for hosted large-language-model APIs
package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// ProviderType identifies the LLM provider
type ProviderType string

const (
	ProviderAnthropic ProviderType = "anthropic"
	ProviderOpenAI    ProviderType = "openai"
)

// Role represents the role of a prompt message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents one entry of the ordered prompt sequence
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a request to generate a chat completion
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the response from a chat completion
type ChatResponse struct {
	Content string `json:"content"`
	Model   string `json:"model"`
	Usage   Usage  `json:"usage"`
}

// Provider is the interface all LLM backends implement. A call may
// block until the provider's HTTP timeout expires; callers pass a
// context for earlier cancellation.
type Provider interface {
	// Name returns the provider name
	Name() ProviderType

	// Chat generates a chat completion for the ordered message sequence
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Validate validates the provider configuration
	Validate() error
}

// Config holds provider configuration
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// NewProvider creates a provider by type
func NewProvider(typ ProviderType, cfg Config) (Provider, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: cfg.Timeout}

	switch typ {
	case ProviderAnthropic:
		return &AnthropicProvider{config: cfg, client: client}, nil
	case ProviderOpenAI:
		return &OpenAIProvider{config: cfg, client: client}, nil
	default:
		return nil, fmt.Errorf("unknown provider type: %s", typ)
	}
}
