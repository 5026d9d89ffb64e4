package llm

import "github.com/hubenschmidt/go-ragstream/core"

// StreamChunk is one decoded frame of a streamed chat response. A non-nil
// Error is terminal and already classified against the core taxonomy.
type StreamChunk struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done"`
	Error   error  `json:"-"`
}

type ollamaEmbeddingsRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbeddingsResponse struct {
	Embedding []float64 `json:"embedding"`
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []core.Message `json:"messages"`
	Stream   bool           `json:"stream"`
}

type ollamaChatFrame struct {
	Message *struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message,omitempty"`
	Done  bool    `json:"done"`
	Error *string `json:"error,omitempty"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}
