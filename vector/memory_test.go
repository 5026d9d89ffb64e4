package vector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/go-ragstream/core"
)

func chunk(id, text string, vec ...float64) core.Chunk {
	return core.Chunk{ID: id, DocumentID: "doc", Text: text, Embedding: vec}
}

func TestMemoryGateway_ReplaceAllDropsPriorRecords(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway()

	require.NoError(t, g.ReplaceAll(ctx, "docs", []core.Chunk{
		chunk("old-1", "stale", 1, 0),
		chunk("old-2", "stale", 0, 1),
	}))

	fresh := []core.Chunk{
		chunk("new-1", "alpha", 1, 0),
		chunk("new-2", "beta", 0.5, 0.5),
		chunk("new-3", "gamma", 0, 1),
	}
	require.NoError(t, g.ReplaceAll(ctx, "docs", fresh))

	n, err := g.Count(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, len(fresh), n)

	results, err := g.Query(ctx, "docs", []float64{1, 0}, 10, 10)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotContains(t, []string{"old-1", "old-2"}, r.ID)
	}
}

func TestMemoryGateway_QueryOrderingAndLimit(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway()
	require.NoError(t, g.ReplaceAll(ctx, "docs", []core.Chunk{
		chunk("a", "a", 0, 1),
		chunk("b", "b", 1, 0),
		chunk("c", "c", 1, 1),
		chunk("d", "d", -1, 0),
	}))

	results, err := g.Query(ctx, "docs", []float64{1, 0.1}, 3, 150)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "b", results[0].ID)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}

	// pool smaller than k is raised to k
	results, err = g.Query(ctx, "docs", []float64{1, 0.1}, 2, 1)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestMemoryGateway_EmptyAndMissing(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway()

	_, err := g.Query(ctx, "nope", []float64{1}, 3, 10)
	assert.ErrorIs(t, err, core.ErrCollectionNotFound)
	_, err = g.Count(ctx, "nope")
	assert.ErrorIs(t, err, core.ErrCollectionNotFound)

	require.NoError(t, g.ReplaceAll(ctx, "empty", nil))
	results, err := g.Query(ctx, "empty", []float64{1}, 3, 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestMemoryGateway_Validation(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway()

	err := g.ReplaceAll(ctx, "docs", []core.Chunk{chunk("x", "no vector")})
	assert.ErrorIs(t, err, core.ErrInvalidConfig)

	err = g.ReplaceAll(ctx, "docs", []core.Chunk{chunk("x", "x", 1, 2), chunk("y", "y", 1)})
	assert.ErrorIs(t, err, core.ErrInvalidConfig)

	require.NoError(t, g.ReplaceAll(ctx, "docs", []core.Chunk{chunk("x", "x", 1)}))
	_, err = g.Query(ctx, "docs", []float64{1}, 0, 10)
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
}

func TestMemoryGateway_StoresCopies(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway()
	in := []core.Chunk{chunk("x", "x", 1, 0)}
	require.NoError(t, g.ReplaceAll(ctx, "docs", in))

	in[0].Embedding[0] = -1
	results, err := g.Query(ctx, "docs", []float64{1, 0}, 1, 1)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, results[0].Score, 1e-9)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float64{1, 2}, []float64{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float64{1, 0}, []float64{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity([]float64{1}, []float64{1, 2}))
	assert.Equal(t, 0.0, CosineSimilarity([]float64{0, 0}, []float64{1, 2}))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	g, err := Open(ctx, Options{DSN: "memory://"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryGateway{}, g)
	require.NoError(t, g.Close())

	_, err = Open(ctx, Options{DSN: "localhost:27017"})
	assert.ErrorIs(t, err, core.ErrInvalidConfig)

	_, err = Open(ctx, Options{DSN: "redis://localhost"})
	assert.ErrorIs(t, err, core.ErrInvalidConfig)

	q, err := Open(ctx, Options{DSN: "qdrant://localhost"})
	require.NoError(t, err)
	assert.IsType(t, &QdrantGateway{}, q)
	require.NoError(t, q.Close())
}

func TestQdrantPayloadValues(t *testing.T) {
	p := toPoint(core.Chunk{
		ID:        "7f1c1f3e-0a4b-5c1e-9d55-1b3f1e3b2a11",
		Text:      "hello",
		Embedding: []float64{0.5, 0.5},
		Metadata:  map[string]any{"file_name": "a.txt", "file_size": 12, "text": "shadowed"},
	}, 4)

	assert.Equal(t, "hello", p.Payload["text"].GetStringValue())
	assert.Equal(t, int64(4), p.Payload["seq"].GetIntegerValue())
	assert.Equal(t, "a.txt", fromValue(p.Payload["file_name"]))
	assert.Equal(t, int64(12), fromValue(p.Payload["file_size"]))
	assert.Equal(t, []float32{0.5, 0.5}, p.Vectors.GetVector().GetData())
}
