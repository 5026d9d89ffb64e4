package server

import (
	"github.com/hubenschmidt/go-ragstream/core"
	"github.com/hubenschmidt/go-ragstream/store"
)

type ReindexRequest struct {
	Dir       string `json:"dir,omitempty"`
	ChunkSize int    `json:"chunk_size,omitempty"`
	Overlap   *int   `json:"overlap,omitempty"`
}

type QueryRequest struct {
	Question   string `json:"question"`
	TopK       int    `json:"top_k,omitempty"`
	Candidates int    `json:"candidates,omitempty"`
	Model      string `json:"model,omitempty"`
}

type SearchResponse struct {
	Results []core.SearchResult `json:"results"`
}

type Metadata struct {
	Sources   []core.SearchResult `json:"sources"`
	ElapsedMs int64               `json:"elapsed_ms"`
}

type RunListResponse struct {
	Runs    []store.Run   `json:"runs"`
	Summary store.Summary `json:"summary"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
