// Package server exposes the ingestion and question-answering pipelines over
// HTTP, streaming answers as server-sent events.
package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/hubenschmidt/go-ragstream/core"
	"github.com/hubenschmidt/go-ragstream/pipelines"
	"github.com/hubenschmidt/go-ragstream/store"
)

// Service is the pipeline surface the handlers call.
type Service interface {
	Collection() string
	Reindex(ctx context.Context, dir string, size, overlap int) (*pipelines.IngestReport, error)
	Search(ctx context.Context, question string, topK, candidates int) ([]core.SearchResult, error)
	Answer(ctx context.Context, question string, topK, candidates int, model string, onPartial func(string)) (*pipelines.Answer, error)
	Runs() store.RunStore
}

// Config configures a new Server instance.
type Config struct {
	Service Service

	// DataDir bounds the directories a reindex request may name.
	DataDir string

	// Defaults for requests that leave them out.
	ChunkSize  int
	Overlap    int
	TopK       int
	Candidates int
}

// Server is an HTTP server for the RAG pipelines.
type Server struct {
	svc      Service
	defaults Config

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

func New(cfg Config) *Server {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 100
		cfg.Overlap = 10
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	if cfg.Candidates <= 0 {
		cfg.Candidates = 150
	}
	return &Server{
		svc:      cfg.Service,
		defaults: cfg,
		locks:    make(map[string]*sync.RWMutex),
	}
}

// lock returns the reader/writer lock guarding a collection. Reindex holds
// it exclusively; search and ask share it.
func (s *Server) lock(collection string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[collection]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[collection] = l
	}
	return l
}

// Handler returns an http.Handler for the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /reindex", s.handleReindex)
	mux.HandleFunc("POST /search", s.handleSearch)
	mux.HandleFunc("POST /ask", s.handleAsk)
	mux.HandleFunc("GET /runs", s.handleRunList)
	mux.HandleFunc("GET /runs/{id}", s.handleRunGet)

	return corsMiddleware(mux)
}
