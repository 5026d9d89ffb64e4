package core

// Document is raw text loaded from a source, immutable once created.
type Document struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Chunk is a contiguous rune span of a Document. Embedding is attached
// once by the ingestion pipeline.
type Chunk struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"document_id"`
	Index      int            `json:"index"`
	Start      int            `json:"start"`
	End        int            `json:"end"`
	Overlap    int            `json:"overlap"`
	Text       string         `json:"text"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Embedding  []float64      `json:"embedding,omitempty"`
}

// WithEmbedding returns a copy of the chunk carrying vec.
func (c Chunk) WithEmbedding(vec []float64) Chunk {
	c.Embedding = vec
	return c
}

// SearchResult is a retrieved chunk and its similarity score.
type SearchResult struct {
	ID       string         `json:"id,omitempty"`
	Text     string         `json:"text"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
