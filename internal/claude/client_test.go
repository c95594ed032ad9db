package claude

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/datablogin/entropy-playground/internal/connectors"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("test-key", "test-model", zap.NewNop(), WithBaseURL(srv.URL))
}

func okResponse(text string, in, out int64) string {
	b, _ := json.Marshal(map[string]any{
		"id":          "msg_1",
		"model":       "test-model",
		"stop_reason": "end_turn",
		"content":     []map[string]any{{"type": "text", "text": text}},
		"usage":       map[string]any{"input_tokens": in, "output_tokens": out},
	})
	return string(b)
}

func TestCreateMessage(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, apiVersion, r.Header.Get("anthropic-version"))

		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Equal(t, defaultMaxTokens, req.MaxTokens)

		w.Write([]byte(okResponse("hello", 12, 7)))
	}))

	resp, err := c.CreateMessage(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text())
	assert.Equal(t, Usage{InputTokens: 12, OutputTokens: 7}, c.TotalUsage())
	assert.True(t, c.Healthy())
}

func TestUsageAccumulates(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(okResponse("x", 10, 5)))
	}))

	for i := 0; i < 3; i++ {
		_, err := c.CreateMessage(context.Background(), Request{Messages: []Message{{Role: "user", Content: "go"}}})
		require.NoError(t, err)
	}
	assert.Equal(t, Usage{InputTokens: 30, OutputTokens: 15}, c.TotalUsage())
}

func TestThrottleRetriedWithRetryAfter(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			http.Error(w, `{"error": {"message": "overloaded"}}`, http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(okResponse("after retry", 1, 1)))
	}))

	start := time.Now()
	resp, err := c.CreateMessage(context.Background(), Request{Messages: []Message{{Role: "user", Content: "go"}}})
	require.NoError(t, err)
	assert.Equal(t, "after retry", resp.Text())
	assert.Equal(t, int32(2), calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestAuthFailureIsFinal(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error": {"message": "invalid x-api-key"}}`, http.StatusUnauthorized)
	}))

	_, err := c.CreateMessage(context.Background(), Request{Messages: []Message{{Role: "user", Content: "go"}}})
	require.Error(t, err)

	var apiErr *connectors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "invalid x-api-key", apiErr.Message)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, Usage{}, c.TotalUsage())
}

func TestMockScriptedResponses(t *testing.T) {
	m := NewMock()
	m.QueueResponse("first", Usage{InputTokens: 2, OutputTokens: 3})

	resp, err := m.CreateMessage(context.Background(), Request{Messages: []Message{{Role: "user", Content: "a"}}})
	require.NoError(t, err)
	assert.Equal(t, "first", resp.Text())

	m.QueueError(errors.New("scripted failure"))
	_, err = m.CreateMessage(context.Background(), Request{Messages: []Message{{Role: "user", Content: "b"}}})
	require.EqualError(t, err, "scripted failure")

	// Empty queue falls through to the canned reply.
	resp, err = m.CreateMessage(context.Background(), Request{Messages: []Message{{Role: "user", Content: "c"}}})
	require.NoError(t, err)
	assert.Equal(t, "mock response", resp.Text())

	assert.Len(t, m.Calls(), 3)
	assert.True(t, m.Healthy())
	assert.Equal(t, Usage{InputTokens: 12, OutputTokens: 8}, m.TotalUsage())
}
