package llm

import (
	"fmt"
	"strings"

	"github.com/hubenschmidt/go-ragstream/core"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// NewEmbedder picks an embedding backend by provider name. An empty provider
// means Ollama.
func NewEmbedder(provider string, cfg ClientConfig) (Embedder, error) {
	switch strings.ToLower(provider) {
	case "", ProviderOllama:
		return NewOllamaEmbedClient(cfg), nil
	case ProviderOpenAI:
		return NewOpenAIEmbedClient(cfg), nil
	}
	return nil, fmt.Errorf("%w: unknown embedding provider %q", core.ErrInvalidConfig, provider)
}
