package pipelines

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/go-ragstream/chunker"
	"github.com/hubenschmidt/go-ragstream/core"
	"github.com/hubenschmidt/go-ragstream/llm"
	"github.com/hubenschmidt/go-ragstream/vector"
)

// letterEmbedder maps text to letter frequencies, so identical text scores 1.
type letterEmbedder struct {
	mu     sync.Mutex
	texts  []string
	failAt int
	err    error
}

func (e *letterEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.texts = append(e.texts, text)
	if e.failAt > 0 && len(e.texts) == e.failAt {
		return nil, e.err
	}
	vec := make([]float64, 27)
	vec[26] = 1
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' {
			vec[r-'a']++
		}
	}
	return vec, nil
}

type stubChat struct {
	msgs  []core.Message
	model string
	reply core.Message
	err   error
	calls int
}

func (c *stubChat) Chat(_ context.Context, model string, msgs []core.Message, opts ...llm.ChatOption) (core.Message, error) {
	c.calls++
	c.model = model
	c.msgs = msgs
	if c.err != nil {
		return core.Message{}, c.err
	}
	return c.reply, nil
}

// countingGateway records ReplaceAll calls on top of the memory gateway.
type countingGateway struct {
	*vector.MemoryGateway
	replaced []string
}

func (g *countingGateway) ReplaceAll(ctx context.Context, collection string, chunks []core.Chunk) error {
	g.replaced = append(g.replaced, collection)
	return g.MemoryGateway.ReplaceAll(ctx, collection, chunks)
}

const potionText = "Healing potions are brewed from moonpetal and river water. " +
	"A brewer simmers the mixture for three nights while whispering old words. " +
	"Drinking one closes shallow wounds within minutes, though deep cuts need rest. " +
	"Potions lose their strength after a season unless sealed with wax."

const dragonText = "Dragons sleep on gold because the metal keeps their scales warm in winter."

func testDocs() []core.Document {
	return []core.Document{
		{ID: "potions.txt", Text: potionText, Metadata: map[string]any{"file_name": "potions.txt"}},
		{ID: "dragons.txt", Text: dragonText, Metadata: map[string]any{"file_name": "dragons.txt"}},
	}
}

func TestIngestThenAnswer(t *testing.T) {
	ctx := context.Background()
	gw := vector.NewMemoryGateway()
	emb := &letterEmbedder{}
	chat := &stubChat{reply: core.NewAssistantMessage("Potions heal shallow wounds.")}
	target := FixedCollection("docs")

	report, err := NewIndexer(emb, gw, target).Reindex(ctx, testDocs(), 100, 10)
	require.NoError(t, err)

	want := chunker.Count(utf8.RuneCountInString(potionText), 100, 10) +
		chunker.Count(utf8.RuneCountInString(dragonText), 100, 10)
	assert.Equal(t, want, report.Chunks)
	assert.Equal(t, 2, report.Documents)
	assert.Equal(t, 27, report.Dimension)
	assert.Equal(t, "docs", report.Collection)
	assert.Len(t, emb.texts, want)

	n, err := gw.Count(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, want, n)

	for _, s := range []string{"chunk", "embed", "replace"} {
		assert.True(t, report.Metrics.Stages[s].Success, s)
	}

	potionChunks := map[string]bool{}
	for i := range chunker.Count(utf8.RuneCountInString(potionText), 100, 10) {
		potionChunks[chunker.ChunkID("potions.txt", i)] = true
	}

	question := string([]rune(potionText)[:100])
	answer, err := NewAnswerer(emb, gw, chat, target).Answer(ctx, question, 3, 150, "tinydolphin")
	require.NoError(t, err)

	assert.Equal(t, "Potions heal shallow wounds.", answer.Message.Content)
	require.Len(t, answer.Sources, 3)
	assert.True(t, potionChunks[answer.Sources[0].ID])
	assert.InDelta(t, 1.0, answer.Sources[0].Score, 1e-9)
	for i := 1; i < len(answer.Sources); i++ {
		assert.LessOrEqual(t, answer.Sources[i].Score, answer.Sources[i-1].Score)
	}

	require.Len(t, chat.msgs, 2)
	assert.Equal(t, "tinydolphin", chat.model)
	assert.Equal(t, core.RoleSystem, chat.msgs[0].Role)
	assert.Equal(t, DefaultSystemPrompt, chat.msgs[0].Content)
	assert.Equal(t, core.RoleUser, chat.msgs[1].Role)
	assert.Contains(t, chat.msgs[1].Content, answer.Sources[0].Text)
	assert.True(t, strings.HasSuffix(chat.msgs[1].Content, "Question: "+question))
}

func TestReindexReplacesPriorContents(t *testing.T) {
	ctx := context.Background()
	gw := vector.NewMemoryGateway()
	idx := NewIndexer(&letterEmbedder{}, gw, FixedCollection("docs"))

	_, err := idx.Reindex(ctx, testDocs(), 100, 10)
	require.NoError(t, err)

	report, err := idx.Reindex(ctx, testDocs()[1:], 100, 10)
	require.NoError(t, err)

	n, err := gw.Count(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, report.Chunks, n)
	assert.Equal(t, 1, n)
}

func TestReindexEmbedFailureLeavesCollection(t *testing.T) {
	ctx := context.Background()
	gw := &countingGateway{MemoryGateway: vector.NewMemoryGateway()}
	prior := []core.Chunk{{ID: "old", Text: "old", Embedding: []float64{1, 0}}}
	require.NoError(t, gw.MemoryGateway.ReplaceAll(ctx, "docs", prior))

	emb := &letterEmbedder{failAt: 2, err: core.Wrap(core.ErrServiceUnavailable, "connection refused")}
	_, err := NewIndexer(emb, gw, FixedCollection("docs")).Reindex(ctx, testDocs(), 100, 10)

	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrIngestionFailed)
	assert.ErrorIs(t, err, core.ErrServiceUnavailable)

	var opErr *core.OpError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, "embed", opErr.Stage)

	assert.Empty(t, gw.replaced)
	assert.Len(t, emb.texts, 2)
	n, err := gw.Count(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReindexInvalidChunking(t *testing.T) {
	emb := &letterEmbedder{}
	_, err := NewIndexer(emb, vector.NewMemoryGateway(), FixedCollection("docs")).
		Reindex(context.Background(), testDocs(), 10, 10)
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
	assert.Empty(t, emb.texts)
}

func TestReindexEmptyInput(t *testing.T) {
	ctx := context.Background()
	gw := vector.NewMemoryGateway()
	report, err := NewIndexer(&letterEmbedder{}, gw, FixedCollection("docs")).Reindex(ctx, nil, 100, 10)
	require.NoError(t, err)
	assert.Zero(t, report.Chunks)

	n, err := gw.Count(ctx, "docs")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMetadataInEmbedding(t *testing.T) {
	ctx := context.Background()
	docs := []core.Document{{ID: "a", Text: "short text", Metadata: map[string]any{"b": 2, "a": "x"}}}

	plain := &letterEmbedder{}
	_, err := NewIndexer(plain, vector.NewMemoryGateway(), FixedCollection("c")).Reindex(ctx, docs, 100, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"short text"}, plain.texts)

	withMeta := &letterEmbedder{}
	gw := vector.NewMemoryGateway()
	_, err = NewIndexer(withMeta, gw, FixedCollection("c"), WithMetadataInEmbedding()).Reindex(ctx, docs, 100, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a: x\nb: 2\n\nshort text"}, withMeta.texts)

	res, err := gw.Query(ctx, "c", []float64{1, 1, 1}, 1, 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "short text", res[0].Text)
}

func TestCollectionSwitch(t *testing.T) {
	s := NewCollectionSwitch("docs")
	assert.Equal(t, "docs", s.Active())
	assert.Equal(t, "docs__shadow", s.Standby())

	s.Promote("docs__shadow")
	assert.Equal(t, "docs__shadow", s.Active())
	assert.Equal(t, "docs", s.Standby())

	s.Promote("docs__shadow")
	assert.Equal(t, "docs__shadow", s.Active())

	s.Promote("other")
	assert.Equal(t, "docs__shadow", s.Active())
}

func TestReindexWithSwitch(t *testing.T) {
	ctx := context.Background()
	gw := vector.NewMemoryGateway()
	sw := NewCollectionSwitch("docs")
	require.NoError(t, gw.ReplaceAll(ctx, "docs", []core.Chunk{{ID: "old", Text: "old", Embedding: []float64{1}}}))

	failing := &letterEmbedder{failAt: 1, err: core.ErrServiceUnavailable}
	_, err := NewIndexer(failing, gw, sw).Reindex(ctx, testDocs(), 100, 10)
	require.Error(t, err)
	assert.Equal(t, "docs", sw.Active())

	report, err := NewIndexer(&letterEmbedder{}, gw, sw).Reindex(ctx, testDocs(), 100, 10)
	require.NoError(t, err)
	assert.Equal(t, "docs__shadow", report.Collection)
	assert.Equal(t, "docs__shadow", sw.Active())

	old, err := gw.Count(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, 1, old)

	results, err := NewAnswerer(&letterEmbedder{}, gw, &stubChat{}, sw).Search(ctx, dragonText, 1, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, chunker.ChunkID("dragons.txt", 0), results[0].ID)
}

func TestAnswerFailsFast(t *testing.T) {
	ctx := context.Background()

	t.Run("missing collection", func(t *testing.T) {
		chat := &stubChat{}
		_, err := NewAnswerer(&letterEmbedder{}, vector.NewMemoryGateway(), chat, FixedCollection("none")).
			Answer(ctx, "q", 3, 150, "m")
		assert.ErrorIs(t, err, core.ErrCollectionNotFound)
		assert.Zero(t, chat.calls)
	})

	t.Run("embed failure", func(t *testing.T) {
		chat := &stubChat{}
		emb := &letterEmbedder{failAt: 1, err: core.ErrServiceUnavailable}
		_, err := NewAnswerer(emb, vector.NewMemoryGateway(), chat, FixedCollection("docs")).
			Answer(ctx, "q", 3, 150, "m")
		assert.ErrorIs(t, err, core.ErrServiceUnavailable)
		assert.Zero(t, chat.calls)
	})

	t.Run("chat failure", func(t *testing.T) {
		gw := vector.NewMemoryGateway()
		require.NoError(t, gw.ReplaceAll(ctx, "docs", nil))
		chat := &stubChat{err: core.Wrap(core.ErrGeneration, "model not found")}
		conv := core.NewConversation()
		_, err := NewAnswerer(&letterEmbedder{}, gw, chat, FixedCollection("docs")).
			Continue(ctx, conv, "q", 3, 150, "m")
		assert.ErrorIs(t, err, core.ErrGeneration)
		assert.Equal(t, 1, chat.calls)
		assert.Zero(t, conv.Len())
	})
}

func TestContinueKeepsHistory(t *testing.T) {
	ctx := context.Background()
	gw := vector.NewMemoryGateway()
	_, err := NewIndexer(&letterEmbedder{}, gw, FixedCollection("docs")).Reindex(ctx, testDocs(), 100, 10)
	require.NoError(t, err)

	chat := &stubChat{reply: core.NewAssistantMessage("first")}
	a := NewAnswerer(&letterEmbedder{}, gw, chat, FixedCollection("docs"), WithSystemPrompt("Be brief."))
	conv := core.NewConversation()

	_, err = a.Continue(ctx, conv, "what about dragons?", 1, 10, "m")
	require.NoError(t, err)
	require.Equal(t, 2, conv.Len())
	assert.Equal(t, "what about dragons?", conv.Messages()[0].Content)

	chat.reply = core.NewAssistantMessage("second")
	_, err = a.Continue(ctx, conv, "and potions?", 1, 10, "m")
	require.NoError(t, err)

	require.Len(t, chat.msgs, 4)
	assert.Equal(t, "Be brief.", chat.msgs[0].Content)
	assert.Equal(t, "what about dragons?", chat.msgs[1].Content)
	assert.Equal(t, "first", chat.msgs[2].Content)
	assert.Contains(t, chat.msgs[3].Content, "Question: and potions?")
	assert.Equal(t, 4, conv.Len())
}

func TestBuildPrompt(t *testing.T) {
	got := BuildPrompt("why?", []core.SearchResult{{ID: "c1", Text: "because"}, {Text: "also"}})
	assert.Equal(t, "Use the following context to answer the question:\n\n"+
		"--- c1 ---\nbecause\n\n"+
		"--- result 2 ---\nalso\n\n"+
		"Question: why?", got)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	got := truncate("drachen über dem fluß", 9)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "drachen ü...", got)
	assert.Equal(t, "日本語...", truncate("日本語のテキスト", 3))
}
