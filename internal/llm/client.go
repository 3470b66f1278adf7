package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/sentinell/sentinell/internal/config"
)

// Message is a single turn in a model conversation.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Usage tracks token consumption for a single completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Completion is the result of a model call.
type Completion struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

// Client abstracts a chat-completion provider. Implementations must honor
// context cancellation and surface failures through the typed errors in
// errors.go so callers can distinguish timeouts from provider rejections.
type Client interface {
	// Complete sends the conversation and returns the assistant's reply.
	Complete(ctx context.Context, messages []Message) (*Completion, error)
	// Name identifies the provider for logging and metrics.
	Name() string
}

// New builds a client for the configured provider.
func New(cfg config.LLM) (Client, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	switch cfg.Provider {
	case "anthropic":
		return newAnthropicClient(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.MaxTokens, timeout)
	case "openai":
		return newOpenAIClient("openai", cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.MaxTokens, timeout)
	case "custom":
		// Any OpenAI-compatible endpoint (vLLM, Ollama, LiteLLM proxies).
		return newOpenAIClient("custom", cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.MaxTokens, timeout)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
