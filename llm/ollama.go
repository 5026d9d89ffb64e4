package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hubenschmidt/go-ragstream/core"
)

func normalizeOllamaURL(baseURL string) string {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	host := strings.TrimSuffix(baseURL, "/")
	// Handle both /v1 suffix and bare host
	return strings.TrimSuffix(host, "/v1")
}

// requestError classifies a failed HTTP exchange: deadlines become
// ErrTimeout, anything else ErrServiceUnavailable.
func requestError(op string, err error) error {
	if isTimeout(err) {
		return core.Wrap(core.ErrTimeout, "%s: %w", op, err)
	}
	return core.Wrap(core.ErrServiceUnavailable, "%s: %w", op, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func newLimiter(cfg ClientConfig) *rate.Limiter {
	if cfg.RequestsPerSecond <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
}

// ListOllamaModels returns the model names installed on an Ollama host.
func ListOllamaModels(ctx context.Context, baseURL string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := normalizeOllamaURL(baseURL) + "/api/tags"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, requestError("ollama discovery", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: ollama returned status %d", core.ErrServiceUnavailable, resp.StatusCode)
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, core.Wrap(core.ErrInvalidResponse, "parse ollama tags: %w", err)
	}

	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

// OllamaEmbedClient calls Ollama's /api/embeddings endpoint.
type OllamaEmbedClient struct {
	baseURL string
	model   string
	client  *http.Client
	limiter *rate.Limiter
}

// NewOllamaEmbedClient creates a client for Ollama's native embedding API.
func NewOllamaEmbedClient(cfg ClientConfig) *OllamaEmbedClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultEmbedTimeout
	}
	model := cfg.DefaultModel
	if model == "" {
		model = DefaultEmbedModel
	}
	return &OllamaEmbedClient{
		baseURL: normalizeOllamaURL(cfg.BaseURL),
		model:   model,
		client:  &http.Client{Timeout: time.Duration(timeout) * time.Second},
		limiter: newLimiter(cfg),
	}
}

func (c *OllamaEmbedClient) Model() string {
	return c.model
}

// Embed returns the vector exactly as the service produced it.
func (c *OllamaEmbedClient) Embed(ctx context.Context, text string) ([]float64, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	body, err := json.Marshal(ollamaEmbeddingsRequest{Model: c.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, requestError("embedding request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: Ollama API error (status %d): %s", core.ErrServiceUnavailable, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result ollamaEmbeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, core.Wrap(core.ErrInvalidResponse, "decode embedding: %w", err)
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("%w: embedding not found in response", core.ErrInvalidResponse)
	}

	return result.Embedding, nil
}

// OllamaChatClient streams /api/chat and folds the frames into one message.
type OllamaChatClient struct {
	baseURL      string
	defaultModel string
	client       *http.Client
}

func NewOllamaChatClient(cfg ClientConfig) *OllamaChatClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultChatTimeout
	}
	model := cfg.DefaultModel
	if model == "" {
		model = DefaultChatModel
	}
	return &OllamaChatClient{
		baseURL:      normalizeOllamaURL(cfg.BaseURL),
		defaultModel: model,
		client:       &http.Client{Timeout: time.Duration(timeout) * time.Second},
	}
}

// Chat sends msgs and blocks until the stream reaches DONE or FAILED.
func (c *OllamaChatClient) Chat(ctx context.Context, model string, msgs []core.Message, opts ...ChatOption) (core.Message, error) {
	var o chatOptions
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := c.ChatStream(ctx, model, msgs)
	if err != nil {
		return core.Message{}, err
	}

	acc := NewAccumulator(o.onPartial)
	for chunk := range ch {
		if acc.Feed(chunk) {
			break
		}
	}
	acc.Interrupt(ctx.Err())

	return acc.Result()
}

// ChatStream opens the streaming request. The channel is closed after a
// done chunk, an error chunk, or context cancellation.
func (c *OllamaChatClient) ChatStream(ctx context.Context, model string, msgs []core.Message) (<-chan StreamChunk, error) {
	if model == "" {
		model = c.defaultModel
	}

	body, err := json.Marshal(ollamaChatRequest{Model: model, Messages: msgs, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, requestError("chat request", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var frame ollamaChatFrame
		if json.Unmarshal(respBody, &frame) == nil && frame.Error != nil {
			return nil, fmt.Errorf("%w: %s", core.ErrGeneration, *frame.Error)
		}
		return nil, fmt.Errorf("%w: Ollama API error (status %d): %s", core.ErrServiceUnavailable, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	ch := make(chan StreamChunk)
	go readStream(ctx, resp.Body, ch)
	return ch, nil
}

func readStream(ctx context.Context, body io.ReadCloser, ch chan<- StreamChunk) {
	defer body.Close()
	defer close(ch)

	send := func(chunk StreamChunk) bool {
		select {
		case ch <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			chunk := decodeFrame(trimmed)
			if !send(chunk) || chunk.Done || chunk.Error != nil {
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			kind := core.ErrTransport
			if isTimeout(err) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				kind = core.ErrTimeout
			}
			send(StreamChunk{Error: core.Wrap(kind, "stream ended before done: %w", err)})
			return
		}
	}
}

func decodeFrame(line []byte) StreamChunk {
	var frame ollamaChatFrame
	if err := json.Unmarshal(line, &frame); err != nil {
		return StreamChunk{Error: core.Wrap(core.ErrInvalidResponse, "decode frame: %w", err)}
	}
	if frame.Error != nil {
		return StreamChunk{Error: fmt.Errorf("%w: %s", core.ErrGeneration, *frame.Error)}
	}

	chunk := StreamChunk{Done: frame.Done}
	if frame.Message != nil {
		chunk.Role = frame.Message.Role
		chunk.Content = frame.Message.Content
	}
	return chunk
}
