package pipelines

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hubenschmidt/go-ragstream/core"
	"github.com/hubenschmidt/go-ragstream/llm"
	"github.com/hubenschmidt/go-ragstream/monitor"
	"github.com/hubenschmidt/go-ragstream/observability"
	"github.com/hubenschmidt/go-ragstream/vector"
)

const DefaultSystemPrompt = "Summarize the following in a single paragraph, using only the provided context."

// Answer is the generated reply and the search results it was grounded on.
type Answer struct {
	RunID     string              `json:"run_id"`
	Message   core.Message        `json:"message"`
	Sources   []core.SearchResult `json:"sources"`
	ElapsedMs int64               `json:"elapsed_ms"`
	Metrics   monitor.RunMetrics  `json:"metrics"`
}

type AnswererOption func(*Answerer)

func WithSystemPrompt(prompt string) AnswererOption {
	return func(a *Answerer) {
		if prompt != "" {
			a.systemPrompt = prompt
		}
	}
}

func WithAnswererVerbose(v bool) AnswererOption {
	return func(a *Answerer) { a.verbose = v }
}

// Answerer runs retrieval-augmented generation against one collection.
type Answerer struct {
	embedder     llm.Embedder
	gateway      vector.Gateway
	chat         llm.ChatClient
	target       Target
	systemPrompt string
	verbose      bool
}

func NewAnswerer(embedder llm.Embedder, gateway vector.Gateway, chat llm.ChatClient, target Target, opts ...AnswererOption) *Answerer {
	a := &Answerer{
		embedder:     embedder,
		gateway:      gateway,
		chat:         chat,
		target:       target,
		systemPrompt: DefaultSystemPrompt,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Search embeds question and returns the top k results, best first.
func (a *Answerer) Search(ctx context.Context, question string, topK, candidates int) ([]core.SearchResult, error) {
	return a.search(ctx, question, topK, candidates, monitor.NewNoOpCollector())
}

func (a *Answerer) search(ctx context.Context, question string, topK, candidates int, collector monitor.MetricsCollector) ([]core.SearchResult, error) {
	collection := a.target.Active()
	ctx, span := observability.StartStageSpan(ctx, monitor.StageQuery, collection)
	defer span.End()

	start := time.Now()
	a.logf("[query] Embedding question: %q", truncate(question, 60))
	vec, err := a.embedder.Embed(ctx, question)
	collector.Record(stage(monitor.StageEmbed, 1, start, err))
	if err != nil {
		observability.RecordError(span, err)
		return nil, core.NewOpError("search", monitor.StageEmbed, err)
	}

	start = time.Now()
	a.logf("[query] Searching %s (top %d of %d candidates)", collection, topK, candidates)
	results, err := a.gateway.Query(ctx, collection, vec, topK, candidates)
	collector.Record(stage(monitor.StageQuery, len(results), start, err))
	if err != nil {
		observability.RecordError(span, err)
		return nil, core.NewOpError("search", monitor.StageQuery, err)
	}

	observability.RecordItems(span, len(results))
	for _, r := range results {
		a.logf("[query]   -> %s (similarity: %.1f%%)", r.ID, r.Score*100)
	}
	return results, nil
}

// Answer retrieves context for question and generates a single reply. Any
// embedding or retrieval failure returns before the chat service is called.
func (a *Answerer) Answer(ctx context.Context, question string, topK, candidates int, model string, opts ...llm.ChatOption) (*Answer, error) {
	return a.Continue(ctx, core.NewConversation(), question, topK, candidates, model, opts...)
}

// Continue answers question with retrieved context on top of the prior turns
// in conv. On success the plain question and the reply are appended to conv;
// on failure conv is unchanged.
func (a *Answerer) Continue(ctx context.Context, conv *core.Conversation, question string, topK, candidates int, model string, opts ...llm.ChatOption) (*Answer, error) {
	start := time.Now()
	runID := uuid.NewString()
	collector := monitor.NewInMemoryCollector(runID)

	results, err := a.search(ctx, question, topK, candidates, collector)
	if err != nil {
		return nil, err
	}

	msgs := a.buildMessages(conv.Messages(), question, results)
	a.logf("[query] Generating reply from %d messages", len(msgs))

	ctx, span := observability.StartLLMSpan(ctx, llm.ProviderOllama, model)
	chatStart := time.Now()
	reply, err := a.chat.Chat(ctx, model, msgs, opts...)
	collector.Record(stage(monitor.StageChat, 1, chatStart, err))
	observability.RecordError(span, err)
	span.End()
	if err != nil {
		return nil, core.NewOpError("answer", monitor.StageChat, err)
	}

	conv.Append(core.NewUserMessage(question))
	conv.Append(reply)

	answer := &Answer{
		RunID:     runID,
		Message:   reply,
		Sources:   results,
		ElapsedMs: time.Since(start).Milliseconds(),
		Metrics:   collector.Flush(),
	}
	log.Printf("[query] Answered from %d sources in %dms", len(results), answer.ElapsedMs)
	return answer, nil
}

func (a *Answerer) buildMessages(history []core.Message, question string, results []core.SearchResult) []core.Message {
	msgs := make([]core.Message, 0, len(history)+2)
	msgs = append(msgs, core.NewSystemMessage(a.systemPrompt))
	msgs = append(msgs, history...)
	return append(msgs, core.NewUserMessage(BuildPrompt(question, results)))
}

// BuildPrompt places the retrieved texts ahead of the question.
func BuildPrompt(question string, results []core.SearchResult) string {
	var b strings.Builder
	b.WriteString("Use the following context to answer the question:\n\n")
	for i, r := range results {
		label := r.ID
		if label == "" {
			label = fmt.Sprintf("result %d", i+1)
		}
		fmt.Fprintf(&b, "--- %s ---\n%s\n\n", label, r.Text)
	}
	b.WriteString("Question: ")
	b.WriteString(question)
	return b.String()
}

func stage(name string, items int, start time.Time, err error) monitor.StageMetrics {
	m := monitor.StageMetrics{Stage: name, Items: items, Duration: time.Since(start), Success: err == nil}
	if err != nil {
		m.Error = err.Error()
	}
	return m
}

func (a *Answerer) logf(format string, args ...any) {
	if a.verbose {
		log.Printf(format, args...)
	}
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
