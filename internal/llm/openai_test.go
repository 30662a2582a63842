package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIClient(Options{
		APIKey:  "test-key",
		BaseURL: srv.URL + "/v1",
		Timeout: 5 * time.Second,
	})
}

func TestOpenAIClient_ChatCoercesRoles(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"hello there"},"finish_reason":"stop"}]}`))
	})

	reply, err := c.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: "patient", Content: "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello there", reply)
	assert.Equal(t, "gpt-4o-mini", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, RoleUser, got.Messages[1].Role)
}

func TestOpenAIClient_CompleteSendsInstructionAsSystem(t *testing.T) {
	var roles []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []struct {
				Role string `json:"role"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		for _, m := range body.Messages {
			roles = append(roles, m.Role)
		}
		_, _ = w.Write([]byte(`{"choices":[]}`))
	})

	out, err := c.Complete(context.Background(), "extract", "text")
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, []string{RoleSystem, RoleUser}, roles)
}

func TestOpenAIClient_Embed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.25,0.5,1]}],"model":"text-embedding-3-small"}`))
	})

	vec, err := c.Embed(context.Background(), "chest pain")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.25, 0.5, 1}, vec)
}

func TestOpenAIClient_EmbedEmpty(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"object":"list","data":[]}`))
	})

	_, err := c.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, ErrEmptyEmbedding)
}

func TestOpenAIClient_TransportError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	})

	_, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	assert.Error(t, err)
}
