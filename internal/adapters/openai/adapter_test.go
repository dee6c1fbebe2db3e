package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/models"
)

type capturedChat struct {
	Auth     string
	Model    string
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
}

func newChatServer(t *testing.T, captured *capturedChat, status int, body string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		var payload struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		if captured != nil {
			captured.Auth = r.Header.Get("Authorization")
			captured.Model = payload.Model
			captured.Messages = payload.Messages
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return ts
}

const chatCompletionBody = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1730000000,
  "model": "gpt-3.5-turbo",
  "choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "  Upbeat synth stinger with a bright whoosh.  "}}],
  "usage": {"prompt_tokens": 12, "completion_tokens": 9, "total_tokens": 21}
}`

func TestChatUsesPerRequestKey(t *testing.T) {
	var captured capturedChat
	ts := newChatServer(t, &captured, http.StatusOK, chatCompletionBody)

	adapter := New(Options{BaseURL: ts.URL})
	resp, err := adapter.Chat(context.Background(), models.ChatRequest{
		Model:    "gpt-3.5-turbo",
		APIKey:   "sk-user",
		Messages: []models.ChatMessage{{Role: "user", Content: "Describe a radio imaging audio piece based on: morning show"}},
	})
	require.NoError(t, err)

	require.Equal(t, "Bearer sk-user", captured.Auth)
	require.Equal(t, "gpt-3.5-turbo", captured.Model)
	require.Len(t, captured.Messages, 1)
	require.Equal(t, "user", captured.Messages[0].Role)
	require.Equal(t, "Describe a radio imaging audio piece based on: morning show", captured.Messages[0].Content)

	require.Equal(t, "chatcmpl-1", resp.ID)
	require.Equal(t, "  Upbeat synth stinger with a bright whoosh.  ", resp.FirstContent())
	require.Equal(t, int32(21), resp.Usage.TotalTokens)
}

func TestChatFallsBackToServerKey(t *testing.T) {
	var captured capturedChat
	ts := newChatServer(t, &captured, http.StatusOK, chatCompletionBody)

	adapter := New(Options{BaseURL: ts.URL, APIKey: "sk-server"})
	_, err := adapter.Chat(context.Background(), models.ChatRequest{
		Model:    "gpt-3.5-turbo",
		Messages: []models.ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	require.Equal(t, "Bearer sk-server", captured.Auth)
}

func TestChatRequiresKey(t *testing.T) {
	adapter := New(Options{BaseURL: "http://127.0.0.1:1"})
	_, err := adapter.Chat(context.Background(), models.ChatRequest{Model: "gpt-3.5-turbo"})
	require.ErrorIs(t, err, ErrAPIKeyRequired)
}

func TestChatSurfacesAPIErrorMessage(t *testing.T) {
	ts := newChatServer(t, nil, http.StatusUnauthorized,
		`{"error": {"message": "Incorrect API key provided.", "type": "invalid_request_error", "code": "invalid_api_key"}}`)

	adapter := New(Options{BaseURL: ts.URL})
	_, err := adapter.Chat(context.Background(), models.ChatRequest{
		Model:    "gpt-3.5-turbo",
		APIKey:   "sk-bad",
		Messages: []models.ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "Incorrect API key provided.")
}

func TestHealthCheckWithoutServerKeyIsNoop(t *testing.T) {
	adapter := New(Options{BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, adapter.HealthCheck(context.Background()))
}
