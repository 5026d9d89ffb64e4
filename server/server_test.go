package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/go-ragstream/core"
	"github.com/hubenschmidt/go-ragstream/pipelines"
	"github.com/hubenschmidt/go-ragstream/store"
)

type fakeService struct {
	runs store.RunStore

	reindexDir     string
	reindexSize    int
	reindexOverlap int
	reindexErr     error

	searchK, searchPool int
	results             []core.SearchResult
	searchErr           error

	partials  []string
	answer    *pipelines.Answer
	answerErr error
}

func (f *fakeService) Collection() string { return "docs" }

func (f *fakeService) Runs() store.RunStore { return f.runs }

func (f *fakeService) Reindex(_ context.Context, dir string, size, overlap int) (*pipelines.IngestReport, error) {
	f.reindexDir, f.reindexSize, f.reindexOverlap = dir, size, overlap
	if f.reindexErr != nil {
		return nil, f.reindexErr
	}
	return &pipelines.IngestReport{Collection: "docs", Documents: 2, Chunks: 5, Dimension: 3}, nil
}

func (f *fakeService) Search(_ context.Context, _ string, topK, candidates int) ([]core.SearchResult, error) {
	f.searchK, f.searchPool = topK, candidates
	return f.results, f.searchErr
}

func (f *fakeService) Answer(_ context.Context, _ string, _, _ int, _ string, onPartial func(string)) (*pipelines.Answer, error) {
	for _, p := range f.partials {
		onPartial(p)
	}
	return f.answer, f.answerErr
}

func newTestServer(t *testing.T, svc *fakeService) *httptest.Server {
	t.Helper()
	return newTestServerIn(t, svc, t.TempDir())
}

func newTestServerIn(t *testing.T, svc *fakeService, dataDir string) *httptest.Server {
	t.Helper()
	runs, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { runs.Close() })
	svc.runs = runs

	ts := httptest.NewServer(New(Config{Service: svc, DataDir: dataDir}).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readEvents(t *testing.T, resp *http.Response) []map[string]any {
	t.Helper()
	var events []map[string]any
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var ev map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, &fakeService{})
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestReindex(t *testing.T) {
	svc := &fakeService{}
	data := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(data, "notes"), 0o755))
	ts := newTestServerIn(t, svc, data)

	resp := post(t, ts.URL+"/reindex", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 100, svc.reindexSize)
	assert.Equal(t, 10, svc.reindexOverlap)

	var report pipelines.IngestReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, 5, report.Chunks)

	resp = post(t, ts.URL+"/reindex", `{"dir":"notes","chunk_size":50,"overlap":0}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	root, err := filepath.EvalSymlinks(data)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "notes"), svc.reindexDir)
	assert.Equal(t, 50, svc.reindexSize)
	assert.Equal(t, 0, svc.reindexOverlap)
}

func TestReindexRejectsDirOutsideData(t *testing.T) {
	base := t.TempDir()
	data := filepath.Join(base, "data")
	outside := filepath.Join(base, "private")
	require.NoError(t, os.Mkdir(data, 0o755))
	require.NoError(t, os.Mkdir(outside, 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(data, "link")))

	for _, dir := range []string{outside, "../private", "link", "/"} {
		t.Run(dir, func(t *testing.T) {
			svc := &fakeService{}
			ts := newTestServerIn(t, svc, data)

			body, err := json.Marshal(ReindexRequest{Dir: dir})
			require.NoError(t, err)
			resp := post(t, ts.URL+"/reindex", string(body))
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var er ErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&er))
			assert.Equal(t, "invalid_configuration", er.Kind)
			assert.Empty(t, svc.reindexDir, "service must not be called")
		})
	}
}

func TestReindexErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"invalid", core.Wrap(core.ErrInvalidConfig, "overlap too large"), http.StatusBadRequest, "invalid_configuration"},
		{"ingest", core.Wrap(core.ErrIngestionFailed, "embed: %w", core.ErrServiceUnavailable), http.StatusBadGateway, "ingestion_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, &fakeService{reindexErr: tt.err})
			resp := post(t, ts.URL+"/reindex", "{}")
			assert.Equal(t, tt.status, resp.StatusCode)

			var body ErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.kind, body.Kind)
		})
	}

	ts := newTestServer(t, &fakeService{})
	assert.Equal(t, http.StatusBadRequest, post(t, ts.URL+"/reindex", "{bad").StatusCode)
}

func TestSearch(t *testing.T) {
	svc := &fakeService{results: []core.SearchResult{{ID: "c1", Text: "potions", Score: 0.9}}}
	ts := newTestServer(t, svc)

	resp := post(t, ts.URL+"/search", `{"question":"how?"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, svc.searchK)
	assert.Equal(t, 150, svc.searchPool)

	var body SearchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Results, 1)
	assert.Equal(t, "potions", body.Results[0].Text)

	assert.Equal(t, http.StatusBadRequest, post(t, ts.URL+"/search", `{"question":"  "}`).StatusCode)
}

func TestSearchMissingCollection(t *testing.T) {
	ts := newTestServer(t, &fakeService{searchErr: core.ErrCollectionNotFound})
	assert.Equal(t, http.StatusNotFound, post(t, ts.URL+"/search", `{"question":"q","top_k":1}`).StatusCode)
}

func TestAskStreams(t *testing.T) {
	svc := &fakeService{
		partials: []string{"Hel", "lo"},
		answer: &pipelines.Answer{
			Message:   core.NewAssistantMessage("Hello"),
			Sources:   []core.SearchResult{{ID: "c1", Text: "greeting", Score: 1}},
			ElapsedMs: 12,
		},
	}
	ts := newTestServer(t, svc)

	resp := post(t, ts.URL+"/ask", `{"question":"say hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readEvents(t, resp)
	require.Len(t, events, 3)
	assert.Equal(t, "stream", events[0]["type"])
	assert.Equal(t, "Hel", events[0]["content"])
	assert.Equal(t, "lo", events[1]["content"])
	assert.Equal(t, "end", events[2]["type"])
	assert.Equal(t, "Hello", events[2]["content"])

	meta := events[2]["metadata"].(map[string]any)
	assert.Len(t, meta["sources"], 1)
	assert.EqualValues(t, 12, meta["elapsed_ms"])
}

func TestAskError(t *testing.T) {
	svc := &fakeService{
		partials:  []string{"partial"},
		answerErr: core.Wrap(core.ErrGeneration, "model not found"),
	}
	ts := newTestServer(t, svc)

	events := readEvents(t, post(t, ts.URL+"/ask", `{"question":"q"}`))
	require.Len(t, events, 2)
	assert.Equal(t, "error", events[1]["type"])
	assert.Equal(t, "generation_error", events[1]["kind"])
	assert.Contains(t, events[1]["error"], "model not found")
}

func TestRuns(t *testing.T) {
	svc := &fakeService{}
	ts := newTestServer(t, svc)

	ctx := context.Background()
	require.NoError(t, svc.runs.Add(ctx, store.Run{ID: "a", Kind: store.KindIngest, Status: store.StatusOK, Timestamp: 1}))
	require.NoError(t, svc.runs.Add(ctx, store.Run{ID: "b", Kind: store.KindAnswer, Status: store.StatusFailed, Timestamp: 2}))

	resp, err := http.Get(ts.URL + "/runs?limit=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body RunListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Runs, 1)
	assert.Equal(t, "b", body.Runs[0].ID)
	assert.Equal(t, 2, body.Summary.TotalRuns)
	assert.Equal(t, 1, body.Summary.FailedRuns)

	resp2, err := http.Get(ts.URL + "/runs/a")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	resp3, err := http.Get(ts.URL + "/runs/zzz")
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)

	resp4, err := http.Get(ts.URL + "/runs?limit=abc")
	require.NoError(t, err)
	defer resp4.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp4.StatusCode)
}

func TestLockPerCollection(t *testing.T) {
	s := New(Config{Service: &fakeService{}})
	assert.Same(t, s.lock("a"), s.lock("a"))
	assert.NotSame(t, s.lock("a"), s.lock("b"))
}
