package vector

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/hubenschmidt/go-ragstream/core"
)

// MemoryGateway scores by exact cosine similarity. Used for development and
// tests.
type MemoryGateway struct {
	mu          sync.RWMutex
	collections map[string][]core.Chunk
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		collections: make(map[string][]core.Chunk),
	}
}

func (g *MemoryGateway) ReplaceAll(ctx context.Context, collection string, chunks []core.Chunk) error {
	if _, err := checkEmbeddings(chunks); err != nil {
		return err
	}

	stored := make([]core.Chunk, len(chunks))
	for i, c := range chunks {
		c.Embedding = slices.Clone(c.Embedding)
		c.Metadata = maps.Clone(c.Metadata)
		stored[i] = c
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.collections[collection] = stored
	return nil
}

func (g *MemoryGateway) Query(ctx context.Context, collection string, vec []float64, k, candidates int) ([]core.SearchResult, error) {
	if err := checkQuery(k, vec); err != nil {
		return nil, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	chunks, ok := g.collections[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrCollectionNotFound, collection)
	}

	results := make([]core.SearchResult, 0, len(chunks))
	for _, c := range chunks {
		results = append(results, core.SearchResult{
			ID:       c.ID,
			Text:     c.Text,
			Score:    CosineSimilarity(vec, c.Embedding),
			Metadata: maps.Clone(c.Metadata),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if pool := poolSize(k, candidates); len(results) > pool {
		results = results[:pool]
	}
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (g *MemoryGateway) Count(ctx context.Context, collection string) (int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	chunks, ok := g.collections[collection]
	if !ok {
		return 0, fmt.Errorf("%w: %s", core.ErrCollectionNotFound, collection)
	}
	return len(chunks), nil
}

// Close is a no-op for the in-memory gateway.
func (g *MemoryGateway) Close() error {
	return nil
}
