package llm

import (
	"context"

	"github.com/hubenschmidt/go-ragstream/core"
)

// Embedder turns text into a dense vector, preserving component order.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// ChatClient returns one complete assistant message per call.
type ChatClient interface {
	Chat(ctx context.Context, model string, msgs []core.Message, opts ...ChatOption) (core.Message, error)
}

type ClientConfig struct {
	APIKey       string
	BaseURL      string
	Timeout      int // seconds
	DefaultModel string

	// RequestsPerSecond throttles embedding calls when > 0.
	RequestsPerSecond float64
	Burst             int
}

const (
	DefaultOllamaURL    = "http://localhost:11434"
	DefaultEmbedModel   = "nomic-embed-text"
	DefaultChatModel    = "tinydolphin"
	DefaultEmbedTimeout = 60
	DefaultChatTimeout  = 600
)

type ChatOption func(*chatOptions)

type chatOptions struct {
	onPartial func(string)
}

// WithPartialHandler receives every content fragment in arrival order.
func WithPartialHandler(fn func(string)) ChatOption {
	return func(o *chatOptions) {
		o.onPartial = fn
	}
}
