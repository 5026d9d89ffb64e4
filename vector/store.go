// Package vector provides collection-scoped vector storage and ANN queries.
package vector

import (
	"context"
	"fmt"

	"github.com/hubenschmidt/go-ragstream/core"
)

// Gateway replaces and queries named collections of embedded chunks.
//
// ReplaceAll deletes every record in the collection before inserting. If the
// insert fails after the delete, the collection is left empty and the caller
// must retry the whole call. Backends that can wrap both steps in one
// transaction do so.
type Gateway interface {
	// ReplaceAll makes the collection hold exactly chunks.
	ReplaceAll(ctx context.Context, collection string, chunks []core.Chunk) error

	// Query returns at most k results by descending score, searched over a
	// candidate pool of max(k, candidates).
	Query(ctx context.Context, collection string, vec []float64, k, candidates int) ([]core.SearchResult, error)

	// Count returns the number of records in the collection.
	Count(ctx context.Context, collection string) (int, error)

	// Close releases resources.
	Close() error
}

func poolSize(k, candidates int) int {
	return max(k, candidates)
}

func checkQuery(k int, vec []float64) error {
	if k <= 0 {
		return fmt.Errorf("%w: k must be positive, got %d", core.ErrInvalidConfig, k)
	}
	if len(vec) == 0 {
		return fmt.Errorf("%w: empty query vector", core.ErrInvalidConfig)
	}
	return nil
}

func checkEmbeddings(chunks []core.Chunk) (int, error) {
	dim := 0
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			return 0, fmt.Errorf("%w: chunk %s has no embedding", core.ErrInvalidConfig, c.ID)
		}
		if dim == 0 {
			dim = len(c.Embedding)
		}
		if len(c.Embedding) != dim {
			return 0, fmt.Errorf("%w: chunk %s has dimension %d, want %d", core.ErrInvalidConfig, c.ID, len(c.Embedding), dim)
		}
	}
	return dim, nil
}
