package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(url string) *Client {
	c := NewClient(Config{BaseURL: url, APIKey: "sk-test"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.retryDelay = time.Millisecond
	return c
}

func TestCompleteText(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, DefaultModel, req.Model)
		assert.Equal(t, DefaultMaxTokens, req.MaxTokens)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "Alice", req.Messages[1].Name)

		w.Write([]byte(`{"choices":[{"message":{"content":"  hallo  "},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL).Complete(context.Background(), Request{Messages: []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "hi", Name: "Alice"},
	}})
	require.NoError(t, err)
	assert.Equal(t, "hallo", resp.Content)
	assert.Equal(t, FinishStop, resp.FinishReason)
	assert.Equal(t, 12, resp.Usage.TotalTokens)
}

func TestCompleteToolCalls(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Tools, 1)
		assert.Equal(t, "get_current_weather", req.Tools[0].Function.Name)

		w.Write([]byte(`{"choices":[{"message":{"content":null,"tool_calls":[
			{"id":"call_1","type":"function","function":{"name":"get_current_weather","arguments":"{\"location\":\"Berlin\"}"}}
		]},"finish_reason":"tool_calls"}]}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL).Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "Wetter?"}},
		Tools: []ToolDefinition{{Type: "function", Function: FunctionDef{
			Name: "get_current_weather", Parameters: json.RawMessage(`{"type":"object"}`),
		}}},
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.JSONEq(t, `{"location":"Berlin"}`, resp.ToolCalls[0].Function.Arguments)
	assert.Equal(t, FinishToolCalls, resp.FinishReason)
}

func TestCompleteRetriesOnce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`upstream down`))
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL).Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCompleteDoesNotRetryAuth(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Complete(context.Background(), Request{})
	var apierr *APIError
	require.True(t, errors.As(err, &apierr))
	assert.Equal(t, ErrorAuth, apierr.Kind())
	assert.Equal(t, int32(1), calls.Load())
}

func TestClassifyAPIError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		body   string
		want   ErrorKind
	}{
		{400, "This model's maximum context length is 8192 tokens", ErrorContext},
		{429, "", ErrorRateLimit},
		{200, "rate_limit_exceeded", ErrorRateLimit},
		{529, "", ErrorOverloaded},
		{500, "server error", ErrorRetryable},
		{503, "", ErrorRetryable},
		{400, "bad", ErrorBadRequest},
		{401, "", ErrorAuth},
		{403, "", ErrorAuth},
		{404, "", ErrorFatal},
	}
	for _, tt := range tests {
		if got := classifyAPIError(tt.status, tt.body); got != tt.want {
			t.Errorf("classifyAPIError(%d, %q) = %s, want %s", tt.status, tt.body, got, tt.want)
		}
	}
}
