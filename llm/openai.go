package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/hubenschmidt/go-ragstream/core"
)

// OpenAIEmbedClient embeds through any OpenAI-compatible /embeddings endpoint,
// including Ollama's /v1 surface.
type OpenAIEmbedClient struct {
	client  *openai.Client
	model   string
	limiter *rate.Limiter
}

func NewOpenAIEmbedClient(cfg ClientConfig) *OpenAIEmbedClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultEmbedTimeout
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	oc.HTTPClient = &http.Client{Timeout: time.Duration(timeout) * time.Second}

	model := cfg.DefaultModel
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}

	return &OpenAIEmbedClient{
		client:  openai.NewClientWithConfig(oc),
		model:   model,
		limiter: newLimiter(cfg),
	}
}

func (c *OpenAIEmbedClient) Model() string {
	return c.model
}

func (c *OpenAIEmbedClient) Embed(ctx context.Context, text string) ([]float64, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(c.model),
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("%w: embedding not found in response", core.ErrInvalidResponse)
	}

	src := resp.Data[0].Embedding
	vec := make([]float64, len(src))
	for i, v := range src {
		vec[i] = float64(v)
	}
	return vec, nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	var urlErr *url.Error
	switch {
	case isTimeout(err):
		return core.Wrap(core.ErrTimeout, "embedding request: %w", err)
	case errors.As(err, &apiErr), errors.As(err, &reqErr), errors.As(err, &urlErr):
		return core.Wrap(core.ErrServiceUnavailable, "embedding request: %w", err)
	}
	return core.Wrap(core.ErrInvalidResponse, "embedding response: %w", err)
}
