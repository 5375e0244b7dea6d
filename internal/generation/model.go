package generation

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Model is the generative endpoint. Any eino chat model satisfies it.
type Model interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// Pinger checks that the model endpoint is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ModelConfig configures the OpenAI-compatible chat model.
type ModelConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
}

// NewChatModel builds an eino OpenAI-compatible chat model. BaseURL may point
// at any compatible gateway (OpenRouter, a local Ollama /v1, ...).
func NewChatModel(ctx context.Context, cfg ModelConfig) (*openai.ChatModel, error) {
	maxTokens := cfg.MaxTokens
	temperature := cfg.Temperature

	chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:      cfg.APIKey,
		BaseURL:     cfg.BaseURL,
		Model:       cfg.Model,
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("create chat model: %w", err)
	}
	return chatModel, nil
}

// HTTPPinger probes GET <BaseURL>/models, which every OpenAI-compatible
// gateway serves cheaply.
type HTTPPinger struct {
	URL    string
	APIKey string
	Client *http.Client
}

// NewHTTPPinger creates a pinger for an OpenAI-compatible base URL.
func NewHTTPPinger(baseURL, apiKey string) *HTTPPinger {
	return &HTTPPinger{
		URL:    strings.TrimRight(baseURL, "/") + "/models",
		APIKey: apiKey,
		Client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Ping returns nil when the endpoint answers with a non-5xx status.
func (p *HTTPPinger) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("build ping request: %w", err)
	}
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("ping model endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("ping model endpoint: status %d", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("ping model endpoint: credentials rejected (status %d)", resp.StatusCode)
	}
	return nil
}
