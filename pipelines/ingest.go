// Package pipelines wires chunking, embedding, retrieval and generation into
// the ingestion and question-answering flows.
package pipelines

import (
	"context"
	"fmt"
	"log"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hubenschmidt/go-ragstream/chunker"
	"github.com/hubenschmidt/go-ragstream/core"
	"github.com/hubenschmidt/go-ragstream/llm"
	"github.com/hubenschmidt/go-ragstream/monitor"
	"github.com/hubenschmidt/go-ragstream/observability"
	"github.com/hubenschmidt/go-ragstream/vector"
)

// IngestReport summarizes one successful reindex.
type IngestReport struct {
	RunID      string             `json:"run_id"`
	Collection string             `json:"collection"`
	Documents  int                `json:"documents"`
	Chunks     int                `json:"chunks"`
	Dimension  int                `json:"dimension"`
	ElapsedMs  int64              `json:"elapsed_ms"`
	Metrics    monitor.RunMetrics `json:"metrics"`
}

type IndexerOption func(*Indexer)

// WithMetadataInEmbedding embeds each chunk prefixed by its metadata as
// "key: value" lines. The stored text is unchanged.
func WithMetadataInEmbedding() IndexerOption {
	return func(i *Indexer) { i.includeMetadata = true }
}

func WithIndexerVerbose(v bool) IndexerOption {
	return func(i *Indexer) { i.verbose = v }
}

// WithEmbedModel labels embedding spans.
func WithEmbedModel(provider, model string) IndexerOption {
	return func(i *Indexer) {
		i.provider = provider
		i.model = model
	}
}

// Indexer rebuilds a collection from a document set.
type Indexer struct {
	embedder        llm.Embedder
	gateway         vector.Gateway
	target          Target
	includeMetadata bool
	verbose         bool
	provider        string
	model           string
}

func NewIndexer(embedder llm.Embedder, gateway vector.Gateway, target Target, opts ...IndexerOption) *Indexer {
	i := &Indexer{
		embedder: embedder,
		gateway:  gateway,
		target:   target,
		provider: llm.ProviderOllama,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Reindex chunks and embeds every document, then replaces the collection's
// contents with the result. If any embedding fails the run stops with
// ErrIngestionFailed before the collection is touched.
func (i *Indexer) Reindex(ctx context.Context, docs []core.Document, size, overlap int) (*IngestReport, error) {
	if err := chunker.Validate(size, overlap); err != nil {
		return nil, err
	}

	start := time.Now()
	runID := uuid.NewString()
	collection := i.target.Standby()
	collector := monitor.NewInMemoryCollector(runID)

	ctx, span := observability.StartStageSpan(ctx, "reindex", collection)
	defer span.End()

	log.Printf("[ingest] Reindexing %d documents into %s (chunk=%d overlap=%d)", len(docs), collection, size, overlap)

	var chunks []core.Chunk
	err := collector.Time(monitor.StageChunk, len(docs), func() error {
		for _, doc := range docs {
			split, err := chunker.Split(doc, size, overlap)
			if err != nil {
				return err
			}
			chunks = append(chunks, split...)
		}
		return nil
	})
	if err != nil {
		observability.RecordError(span, err)
		return nil, core.NewOpError("reindex", monitor.StageChunk, err)
	}
	i.logf("[ingest] Split %d documents into %d chunks", len(docs), len(chunks))

	err = collector.Time(monitor.StageEmbed, len(chunks), func() error {
		return i.embedAll(ctx, chunks)
	})
	if err != nil {
		observability.RecordError(span, err)
		log.Printf("[ingest] Aborted, %s left unchanged: %v", collection, err)
		return nil, core.NewOpError("reindex", monitor.StageEmbed, err)
	}

	err = collector.Time(monitor.StageReplace, len(chunks), func() error {
		rctx, rspan := observability.StartStageSpan(ctx, monitor.StageReplace, collection)
		defer rspan.End()
		err := i.gateway.ReplaceAll(rctx, collection, chunks)
		observability.RecordError(rspan, err)
		return err
	})
	if err != nil {
		observability.RecordError(span, err)
		return nil, core.NewOpError("reindex", monitor.StageReplace, err)
	}
	i.target.Promote(collection)

	dim := 0
	if len(chunks) > 0 {
		dim = len(chunks[0].Embedding)
	}
	observability.RecordItems(span, len(chunks))

	report := &IngestReport{
		RunID:      runID,
		Collection: collection,
		Documents:  len(docs),
		Chunks:     len(chunks),
		Dimension:  dim,
		ElapsedMs:  time.Since(start).Milliseconds(),
		Metrics:    collector.Flush(),
	}
	log.Printf("[ingest] Stored %d chunks (%d dims) in %s in %dms", report.Chunks, dim, collection, report.ElapsedMs)
	return report, nil
}

func (i *Indexer) embedAll(ctx context.Context, chunks []core.Chunk) error {
	ctx, span := observability.StartLLMSpan(ctx, i.provider, i.model)
	defer span.End()

	for n := range chunks {
		vec, err := i.embedder.Embed(ctx, i.embedText(chunks[n]))
		if err != nil {
			err = core.Wrap(core.ErrIngestionFailed, "embed chunk %d of %s: %w", chunks[n].Index, chunks[n].DocumentID, err)
			observability.RecordError(span, err)
			return err
		}
		chunks[n] = chunks[n].WithEmbedding(vec)
		i.logf("[ingest] Embedded %d/%d chunks", n+1, len(chunks))
	}
	observability.RecordItems(span, len(chunks))
	return nil
}

func (i *Indexer) embedText(c core.Chunk) string {
	if !i.includeMetadata || len(c.Metadata) == 0 {
		return c.Text
	}
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(c.Metadata)) {
		fmt.Fprintf(&b, "%s: %v\n", k, c.Metadata[k])
	}
	b.WriteString("\n")
	b.WriteString(c.Text)
	return b.String()
}

func (i *Indexer) logf(format string, args ...any) {
	if i.verbose {
		log.Printf(format, args...)
	}
}
