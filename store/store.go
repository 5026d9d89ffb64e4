// Package store persists the history of ingestion and answer runs.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a run is not found
var ErrNotFound = errors.New("not found")

// Run kinds.
const (
	KindIngest = "ingest"
	KindAnswer = "answer"
	KindSearch = "search"
)

// Run statuses.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Run is one recorded pipeline invocation
type Run struct {
	ID         string   `json:"id"`
	Kind       string   `json:"kind"`
	Collection string   `json:"collection"`
	Input      string   `json:"input"`
	Output     string   `json:"output"`
	Sources    []string `json:"sources,omitempty"`
	Documents  int      `json:"documents"`
	Chunks     int      `json:"chunks"`
	ElapsedMs  int64    `json:"elapsed_ms"`
	Status     string   `json:"status"`
	Error      string   `json:"error,omitempty"`
	Timestamp  int64    `json:"timestamp"`
}

// Summary contains aggregated run statistics
type Summary struct {
	TotalRuns    int     `json:"total_runs"`
	FailedRuns   int     `json:"failed_runs"`
	TotalChunks  int     `json:"total_chunks"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// RunStore defines the interface for run persistence
type RunStore interface {
	Add(ctx context.Context, r Run) error
	Get(ctx context.Context, id string) (Run, error)
	// List returns the newest runs first; limit <= 0 returns all.
	List(ctx context.Context, limit int) ([]Run, error)
	Summary(ctx context.Context) (Summary, error)
	Close() error
}

type rowScanner interface {
	Scan(dest ...any) error
}

const runColumns = `id, kind, collection, input, output, sources, documents, chunks,
	elapsed_ms, status, error, timestamp`

func scanRun(row rowScanner) (Run, error) {
	var r Run
	var sources string
	if err := row.Scan(&r.ID, &r.Kind, &r.Collection, &r.Input, &r.Output, &sources,
		&r.Documents, &r.Chunks, &r.ElapsedMs, &r.Status, &r.Error, &r.Timestamp); err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(sources), &r.Sources); err != nil {
		return r, fmt.Errorf("unmarshal sources: %w", err)
	}
	return r, nil
}

func marshalSources(r Run) (string, error) {
	sources := r.Sources
	if sources == nil {
		sources = []string{}
	}
	data, err := json.Marshal(sources)
	if err != nil {
		return "", fmt.Errorf("marshal sources: %w", err)
	}
	return string(data), nil
}
