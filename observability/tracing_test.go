package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracingNoEndpoint(t *testing.T) {
	ctx := context.Background()
	tp, err := InitTracing(ctx, &TracingConfig{ServiceName: "test"})
	require.NoError(t, err)
	assert.NotNil(t, tp.Tracer())
	assert.NoError(t, tp.Shutdown(ctx))
}

func TestInitTracingNilConfig(t *testing.T) {
	tp, err := InitTracing(context.Background(), nil)
	require.NoError(t, err)
	assert.NotNil(t, tp)
}

func TestSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, stage := StartStageSpan(context.Background(), "embed", "docs")
	_, llm := StartLLMSpan(ctx, "ollama", "nomic-embed-text")
	RecordError(llm, errors.New("refused"))
	llm.End()
	RecordItems(stage, 4)
	RecordError(stage, nil)
	stage.End()

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "llm.call", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())
	assert.Equal(t, "rag.embed", spans[1].Name())
	assert.Equal(t, codes.Unset, spans[1].Status().Code)
}

func TestShutdownNilProvider(t *testing.T) {
	assert.NoError(t, (&TracerProvider{}).Shutdown(context.Background()))
}

func TestNewResourceCarriesServiceVersion(t *testing.T) {
	res, err := newResource(context.Background(), &TracingConfig{ServiceName: "ragstream", ServiceVersion: "1.2.3"})
	require.NoError(t, err)

	attrs := map[string]string{}
	for _, kv := range res.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "ragstream", attrs["service.name"])
	assert.Equal(t, "1.2.3", attrs["service.version"])
}
