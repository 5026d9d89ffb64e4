// Package ragstream assembles a retrieval-augmented generation service: a
// directory of documents is chunked, embedded and stored in a vector
// collection, and questions are answered by a streaming chat model grounded
// on the closest chunks.
//
// Example usage:
//
//	cfg, _ := config.Load("ragstream.yaml")
//	app, err := ragstream.New(ctx, cfg)
//	if err != nil { ... }
//	defer app.Close()
//
//	report, err := app.Reindex(ctx, "data", 100, 10)
//	answer, err := app.Answer(ctx, "How do healing potions work?", 3, 150, "", nil)
package ragstream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/hubenschmidt/go-ragstream/config"
	"github.com/hubenschmidt/go-ragstream/core"
	"github.com/hubenschmidt/go-ragstream/llm"
	"github.com/hubenschmidt/go-ragstream/loader"
	"github.com/hubenschmidt/go-ragstream/observability"
	"github.com/hubenschmidt/go-ragstream/pipelines"
	"github.com/hubenschmidt/go-ragstream/store"
	"github.com/hubenschmidt/go-ragstream/vector"
)

// Version is reported as service.version on exported traces. Release
// builds override it with -ldflags "-X github.com/hubenschmidt/go-ragstream.Version=...".
var Version = "0.1.0"

// App owns every backend connection for one configured collection.
type App struct {
	cfg      *config.Config
	gateway  vector.Gateway
	chat     *llm.OllamaChatClient
	runs     store.RunStore
	target   pipelines.Target
	indexer  *pipelines.Indexer
	answerer *pipelines.Answerer
	tracer   *observability.TracerProvider
}

// New validates cfg and connects to the vector store and run history.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tracer, err := observability.InitTracing(ctx, tracingConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	embedder, err := llm.NewEmbedder(cfg.Embedding.Provider, llm.ClientConfig{
		APIKey:            cfg.Embedding.APIKey,
		BaseURL:           cfg.EmbeddingURL(),
		Timeout:           cfg.Embedding.Timeout,
		DefaultModel:      cfg.Embedding.Model,
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		Burst:             cfg.Embedding.Burst,
	})
	if err != nil {
		tracer.Shutdown(ctx)
		return nil, err
	}

	gateway, err := vector.Open(ctx, vector.Options{
		DSN:       cfg.Vector.DSN,
		Database:  cfg.Vector.Database,
		Index:     cfg.Vector.Index,
		Dimension: cfg.Vector.Dimension,
	})
	if err != nil {
		tracer.Shutdown(ctx)
		return nil, fmt.Errorf("open vector store: %w", err)
	}

	runs, err := store.NewRunStore(cfg.History.DSN)
	if err != nil {
		gateway.Close()
		tracer.Shutdown(ctx)
		return nil, fmt.Errorf("open run history: %w", err)
	}
	log.Printf("[store] Recording runs in %s", historyName(cfg.History.DSN))

	chat := llm.NewOllamaChatClient(llm.ClientConfig{
		BaseURL:      cfg.ChatURL(),
		Timeout:      cfg.Chat.Timeout,
		DefaultModel: cfg.Chat.Model,
	})

	var target pipelines.Target = pipelines.FixedCollection(cfg.Vector.Collection)
	if cfg.Vector.Swap {
		target = pipelines.NewCollectionSwitch(cfg.Vector.Collection)
	}

	idxOpts := []pipelines.IndexerOption{
		pipelines.WithIndexerVerbose(cfg.Verbose),
		pipelines.WithEmbedModel(cfg.Embedding.Provider, cfg.Embedding.Model),
	}
	if cfg.Embedding.IncludeMetadata {
		idxOpts = append(idxOpts, pipelines.WithMetadataInEmbedding())
	}

	return &App{
		cfg:     cfg,
		gateway: gateway,
		chat:    chat,
		runs:    runs,
		target:  target,
		indexer: pipelines.NewIndexer(embedder, gateway, target, idxOpts...),
		answerer: pipelines.NewAnswerer(embedder, gateway, chat, target,
			pipelines.WithSystemPrompt(cfg.Chat.SystemPrompt),
			pipelines.WithAnswererVerbose(cfg.Verbose),
		),
		tracer: tracer,
	}, nil
}

func tracingConfig(cfg *config.Config) *observability.TracingConfig {
	return &observability.TracingConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: Version,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		SampleRate:     1.0,
	}
}

func historyName(dsn string) string {
	if dsn == "" {
		return store.DefaultDSN
	}
	return dsn
}

func (a *App) Config() *config.Config { return a.cfg }

// Collection is the configured base collection name.
func (a *App) Collection() string { return a.cfg.Vector.Collection }

func (a *App) Runs() store.RunStore { return a.runs }

// Reindex loads every document under dir and rebuilds the collection.
func (a *App) Reindex(ctx context.Context, dir string, size, overlap int) (*pipelines.IngestReport, error) {
	start := time.Now()
	if dir == "" {
		dir = a.cfg.Data.Dir
	}

	docs, err := loader.LoadDir(dir)
	if err != nil {
		err = core.Wrap(core.ErrIngestionFailed, "load %s: %w", dir, err)
		a.record(ctx, store.Run{Kind: store.KindIngest, Input: dir}, start, err)
		return nil, err
	}

	report, err := a.indexer.Reindex(ctx, docs, size, overlap)
	run := store.Run{Kind: store.KindIngest, Input: dir, Documents: len(docs)}
	if report != nil {
		run.ID = report.RunID
		run.Collection = report.Collection
		run.Chunks = report.Chunks
		run.Output = fmt.Sprintf("%d chunks, %d dims", report.Chunks, report.Dimension)
	}
	a.record(ctx, run, start, err)
	return report, err
}

// Search returns the closest chunks without generating an answer.
func (a *App) Search(ctx context.Context, question string, topK, candidates int) ([]core.SearchResult, error) {
	start := time.Now()
	results, err := a.answerer.Search(ctx, question, topK, candidates)
	a.record(ctx, store.Run{Kind: store.KindSearch, Input: question, Sources: sourceIDs(results)}, start, err)
	return results, err
}

// Answer generates a grounded reply. onPartial, when set, receives content
// as it streams in. An empty model uses the configured chat model.
func (a *App) Answer(ctx context.Context, question string, topK, candidates int, model string, onPartial func(string)) (*pipelines.Answer, error) {
	return a.Continue(ctx, core.NewConversation(), question, topK, candidates, model, onPartial)
}

// Continue is Answer on top of an ongoing conversation.
func (a *App) Continue(ctx context.Context, conv *core.Conversation, question string, topK, candidates int, model string, onPartial func(string)) (*pipelines.Answer, error) {
	start := time.Now()
	if model == "" {
		model = a.cfg.Chat.Model
	}

	answer, err := a.answerer.Continue(ctx, conv, question, topK, candidates, model, llm.WithPartialHandler(onPartial))
	run := store.Run{Kind: store.KindAnswer, Input: question}
	if answer != nil {
		run.ID = answer.RunID
		run.Output = answer.Message.Content
		run.Sources = sourceIDs(answer.Sources)
	}
	a.record(ctx, run, start, err)
	return answer, err
}

// Chat sends conv to the model without retrieval, as a plain chat session.
func (a *App) Chat(ctx context.Context, conv *core.Conversation, model string, onPartial func(string)) (core.Message, error) {
	if model == "" {
		model = a.cfg.Chat.Model
	}
	return a.chat.Chat(ctx, model, conv.Messages(), llm.WithPartialHandler(onPartial))
}

func (a *App) record(ctx context.Context, run store.Run, start time.Time, err error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Collection == "" {
		run.Collection = a.target.Active()
	}
	run.ElapsedMs = time.Since(start).Milliseconds()
	run.Timestamp = start.UnixMilli()
	run.Status = store.StatusOK
	if err != nil {
		run.Status = store.StatusFailed
		run.Error = err.Error()
	}
	// History is best effort; the caller still gets the pipeline result.
	if rerr := a.runs.Add(context.WithoutCancel(ctx), run); rerr != nil {
		log.Printf("[store] Failed to record %s run: %v", run.Kind, rerr)
	}
}

func sourceIDs(results []core.SearchResult) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	return ids
}

// Close releases every connection. All close errors are reported.
func (a *App) Close() error {
	return errors.Join(
		a.runs.Close(),
		a.gateway.Close(),
		a.tracer.Shutdown(context.Background()),
	)
}
