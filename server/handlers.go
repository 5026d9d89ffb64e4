package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hubenschmidt/go-ragstream/core"
	"github.com/hubenschmidt/go-ragstream/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("OK"))
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	var req ReindexRequest
	// An empty body reindexes the default directory.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	dir, err := s.resolveDir(req.Dir)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	size, overlap := s.defaults.ChunkSize, s.defaults.Overlap
	if req.ChunkSize > 0 {
		size = req.ChunkSize
	}
	if req.Overlap != nil {
		overlap = *req.Overlap
	}

	l := s.lock(s.svc.Collection())
	l.Lock()
	defer l.Unlock()

	log.Printf("[server] Reindex requested (dir=%q chunk=%d overlap=%d)", dir, size, overlap)
	report, err := s.svc.Reindex(r.Context(), dir, size, overlap)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// resolveDir maps a requested directory into the data directory. Relative
// paths are taken from the data directory; anything resolving outside it
// is rejected.
func (s *Server) resolveDir(dir string) (string, error) {
	if dir == "" {
		return "", nil
	}
	root, err := realPath(s.defaults.DataDir)
	if err != nil {
		return "", core.Wrap(core.ErrInvalidConfig, "data dir: %w", err)
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}
	target, err := realPath(dir)
	if err != nil {
		return "", core.Wrap(core.ErrInvalidConfig, "dir: %w", err)
	}
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside the data directory", core.ErrInvalidConfig, dir)
	}
	return target, nil
}

// realPath is the absolute path with symlinks resolved when it exists.
func realPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return abs, nil
}

func (s *Server) decodeQuery(w http.ResponseWriter, r *http.Request) (QueryRequest, bool) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return req, false
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, errors.New("question is required"))
		return req, false
	}
	if req.TopK <= 0 {
		req.TopK = s.defaults.TopK
	}
	if req.Candidates <= 0 {
		req.Candidates = s.defaults.Candidates
	}
	return req, true
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}

	l := s.lock(s.svc.Collection())
	l.RLock()
	defer l.RUnlock()

	results, err := s.svc.Search(r.Context(), req.Question, req.TopK, req.Candidates)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if results == nil {
		results = []core.SearchResult{}
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: results})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	l := s.lock(s.svc.Collection())
	l.RLock()
	defer l.RUnlock()

	onPartial := func(content string) {
		writeSSE(w, flusher, "stream", map[string]any{"content": content})
	}

	answer, err := s.svc.Answer(r.Context(), req.Question, req.TopK, req.Candidates, req.Model, onPartial)
	if err != nil {
		writeSSE(w, flusher, "error", map[string]any{"error": err.Error(), "kind": errorKind(err)})
		return
	}

	writeSSE(w, flusher, "end", map[string]any{
		"content": answer.Message.Content,
		"metadata": Metadata{
			Sources:   answer.Sources,
			ElapsedMs: answer.ElapsedMs,
		},
	})
}

func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}

	runs, err := s.svc.Runs().List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	summary, err := s.svc.Runs().Summary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, RunListResponse{Runs: runs, Summary: summary})
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.Runs().Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, eventType string, data map[string]any) {
	if data == nil {
		data = make(map[string]any)
	}
	data["type"] = eventType
	jsonData, _ := json.Marshal(data)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: errorKind(err)})
}

var errorKinds = []struct {
	err    error
	kind   string
	status int
}{
	{core.ErrInvalidConfig, "invalid_configuration", http.StatusBadRequest},
	{core.ErrCollectionNotFound, "collection_not_found", http.StatusNotFound},
	{core.ErrIngestionFailed, "ingestion_failed", http.StatusBadGateway},
	{core.ErrServiceUnavailable, "service_unavailable", http.StatusServiceUnavailable},
	{core.ErrGeneration, "generation_error", http.StatusBadGateway},
	{core.ErrTransport, "transport_error", http.StatusBadGateway},
	{core.ErrInvalidResponse, "invalid_response", http.StatusBadGateway},
	{core.ErrTimeout, "timeout", http.StatusGatewayTimeout},
}

func errorKind(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return ""
}

func statusFor(err error) int {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.status
		}
	}
	return http.StatusInternalServerError
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
