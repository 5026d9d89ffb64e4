package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/go-ragstream/core"
)

func TestOpenAIEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.25,0.25,-0.5]}],"model":"nomic-embed-text","usage":{"prompt_tokens":2,"total_tokens":2}}`)
	}))
	defer srv.Close()

	c := NewOpenAIEmbedClient(ClientConfig{BaseURL: srv.URL + "/v1", APIKey: "ollama", DefaultModel: "nomic-embed-text"})
	vec, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.25, 0.25, -0.5}, vec)
	assert.Equal(t, "nomic-embed-text", c.Model())
}

func TestOpenAIEmbed_Errors(t *testing.T) {
	t.Run("api error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
		}))
		defer srv.Close()

		_, err := NewOpenAIEmbedClient(ClientConfig{BaseURL: srv.URL}).Embed(context.Background(), "x")
		assert.ErrorIs(t, err, core.ErrServiceUnavailable)
	})

	t.Run("empty data", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"object":"list","data":[]}`)
		}))
		defer srv.Close()

		_, err := NewOpenAIEmbedClient(ClientConfig{BaseURL: srv.URL}).Embed(context.Background(), "x")
		assert.ErrorIs(t, err, core.ErrInvalidResponse)
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		_, err := NewOpenAIEmbedClient(ClientConfig{BaseURL: url}).Embed(context.Background(), "x")
		assert.ErrorIs(t, err, core.ErrServiceUnavailable)
	})
}
