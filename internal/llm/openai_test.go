package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chatRequest struct {
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float32 `json:"temperature"`
	Messages    []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newChatServer(t *testing.T, status int, reply string, seen *chatRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		if seen != nil {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIGenerate(t *testing.T) {
	var seen chatRequest
	srv := newChatServer(t, http.StatusOK, `{
		"id": "chatcmpl-1",
		"object": "chat.completion",
		"created": 1,
		"model": "gpt-4o-mini",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "  Frustrated  "}, "finish_reason": "stop"}]
	}`, &seen)

	gen, err := NewOpenAI("test-key", "", srv.URL)
	require.NoError(t, err)

	text, err := gen.Generate(context.Background(), Request{
		System:      "classify",
		User:        "this is terrible",
		Temperature: 0.1,
		MaxTokens:   10,
	})
	require.NoError(t, err)
	assert.Equal(t, "  Frustrated  ", text)

	assert.Equal(t, DefaultOpenAIModel, seen.Model)
	assert.Equal(t, 10, seen.MaxTokens)
	assert.InDelta(t, 0.1, seen.Temperature, 1e-6)
	require.Len(t, seen.Messages, 2)
	assert.Equal(t, "system", seen.Messages[0].Role)
	assert.Equal(t, "classify", seen.Messages[0].Content)
	assert.Equal(t, "user", seen.Messages[1].Role)
	assert.Equal(t, "this is terrible", seen.Messages[1].Content)
}

func TestOpenAIGenerateErrors(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		srv := newChatServer(t, http.StatusInternalServerError, `{"error": {"message": "boom", "type": "server_error"}}`, nil)
		gen, err := NewOpenAI("test-key", "gpt-4o-mini", srv.URL)
		require.NoError(t, err)

		_, err = gen.Generate(context.Background(), Request{User: "hi"})
		require.Error(t, err)
	})

	t.Run("no choices", func(t *testing.T) {
		srv := newChatServer(t, http.StatusOK, `{"id": "x", "object": "chat.completion", "choices": []}`, nil)
		gen, err := NewOpenAI("test-key", "gpt-4o-mini", srv.URL)
		require.NoError(t, err)

		_, err = gen.Generate(context.Background(), Request{User: "hi"})
		require.ErrorIs(t, err, ErrEmptyResponse)
	})
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	_, err := NewOpenAI(" ", "", "")
	require.Error(t, err)
}
