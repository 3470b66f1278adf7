package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sentinell/sentinell/internal/metrics"
)

const (
	anthropicBaseURL    = "https://api.anthropic.com/v1"
	anthropicModel      = "claude-3-5-sonnet-20241022"
	anthropicAPIVersion = "2023-06-01"
	defaultMaxTokens    = 4096
)

type anthropicClient struct {
	apiKey     string
	model      string
	maxTokens  int
	baseURL    string
	httpClient *http.Client
}

type anthMessage struct {
	Role    string      `json:"role"`
	Content []anthBlock `json:"content"`
}

type anthBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Messages  []anthMessage `json:"messages"`
	System    string        `json:"system,omitempty"`
}

type anthResponse struct {
	ID         string      `json:"id"`
	Content    []anthBlock `json:"content"`
	Model      string      `json:"model"`
	StopReason string      `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func newAnthropicClient(apiKey, model, baseURL string, maxTokens int, timeout time.Duration) (*anthropicClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	if model == "" {
		model = anthropicModel
	}
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &anthropicClient{
		apiKey:     apiKey,
		model:      model,
		maxTokens:  maxTokens,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (c *anthropicClient) Name() string { return "anthropic" }

func (c *anthropicClient) Complete(ctx context.Context, messages []Message) (*Completion, error) {
	start := time.Now()
	comp, err := c.complete(ctx, messages)
	metrics.LLMRequestDuration.WithLabelValues("anthropic").Observe(time.Since(start).Seconds())
	metrics.LLMRequestsTotal.WithLabelValues("anthropic", requestStatus(err)).Inc()
	if comp != nil {
		metrics.LLMTokensUsed.WithLabelValues("anthropic", "input").Add(float64(comp.Usage.InputTokens))
		metrics.LLMTokensUsed.WithLabelValues("anthropic", "output").Add(float64(comp.Usage.OutputTokens))
	}
	return comp, err
}

func (c *anthropicClient) complete(ctx context.Context, messages []Message) (*Completion, error) {
	// Anthropic takes the system prompt as a top-level field, not a message.
	system, rest := splitSystem(messages)

	anthMessages := make([]anthMessage, 0, len(rest))
	for _, m := range rest {
		anthMessages = append(anthMessages, anthMessage{
			Role:    m.Role,
			Content: []anthBlock{{Type: "text", Text: m.Content}},
		})
	}

	reqBody, err := json.Marshal(anthRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  anthMessages,
		System:    system,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportErr("anthropic", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, classifyTransportErr("anthropic", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, &ProviderError{Provider: "anthropic", StatusCode: httpResp.StatusCode, Message: string(body)}
	}

	var resp anthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &ProviderError{Provider: "anthropic", StatusCode: httpResp.StatusCode, Message: fmt.Sprintf("unparseable response body: %v", err)}
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return &Completion{
		Text: text,
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}, nil
}

func splitSystem(messages []Message) (string, []Message) {
	var system string
	filtered := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		filtered = append(filtered, m)
	}
	return system, filtered
}

func requestStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsRecoverable(err):
		return "recoverable_error"
	default:
		return "error"
	}
}
