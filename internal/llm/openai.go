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
	openAIBaseURL = "https://api.openai.com/v1"
	openAIModel   = "gpt-4o"
)

// openAIClient speaks the chat-completions dialect. The "custom" provider
// reuses it against any compatible endpoint (vLLM, Ollama, proxies).
type openAIClient struct {
	providerName string
	apiKey       string
	model        string
	maxTokens    int
	baseURL      string
	httpClient   *http.Client
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiChatRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens"`
	Temperature float64      `json:"temperature"`
}

type oaiChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func newOpenAIClient(providerName, apiKey, model, baseURL string, maxTokens int, timeout time.Duration) (*openAIClient, error) {
	if baseURL == "" {
		if providerName == "custom" {
			return nil, fmt.Errorf("custom provider requires a base URL")
		}
		baseURL = openAIBaseURL
	}
	if apiKey == "" && providerName == "openai" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if model == "" {
		model = openAIModel
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &openAIClient{
		providerName: providerName,
		apiKey:       apiKey,
		model:        model,
		maxTokens:    maxTokens,
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: timeout},
	}, nil
}

func (c *openAIClient) Name() string { return c.providerName }

func (c *openAIClient) Complete(ctx context.Context, messages []Message) (*Completion, error) {
	start := time.Now()
	comp, err := c.complete(ctx, messages)
	metrics.LLMRequestDuration.WithLabelValues(c.providerName).Observe(time.Since(start).Seconds())
	metrics.LLMRequestsTotal.WithLabelValues(c.providerName, requestStatus(err)).Inc()
	if comp != nil {
		metrics.LLMTokensUsed.WithLabelValues(c.providerName, "input").Add(float64(comp.Usage.InputTokens))
		metrics.LLMTokensUsed.WithLabelValues(c.providerName, "output").Add(float64(comp.Usage.OutputTokens))
	}
	return comp, err
}

func (c *openAIClient) complete(ctx context.Context, messages []Message) (*Completion, error) {
	oaiMessages := make([]oaiMessage, 0, len(messages))
	for _, m := range messages {
		oaiMessages = append(oaiMessages, oaiMessage{Role: m.Role, Content: m.Content})
	}

	reqBody, err := json.Marshal(oaiChatRequest{
		Model:     c.model,
		Messages:  oaiMessages,
		MaxTokens: c.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportErr(c.providerName, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, classifyTransportErr(c.providerName, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, &ProviderError{Provider: c.providerName, StatusCode: httpResp.StatusCode, Message: string(body)}
	}

	var resp oaiChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &ProviderError{Provider: c.providerName, StatusCode: httpResp.StatusCode, Message: fmt.Sprintf("unparseable response body: %v", err)}
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Provider: c.providerName, StatusCode: httpResp.StatusCode, Message: "response contained no choices"}
	}

	return &Completion{
		Text: resp.Choices[0].Message.Content,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}
