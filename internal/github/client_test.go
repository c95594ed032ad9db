package github

import (
	"context"
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

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient("test-token", zap.NewNop(),
		WithBaseURL(srv.URL),
		WithRateLimit(1000, 100),
	)
	return c, srv
}

func TestGetIssue(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/octo/demo/issues/7", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.Write([]byte(`{"id": 1, "number": 7, "title": "Fix the flake", "state": "open"}`))
	}))

	issue, err := c.GetIssue(context.Background(), "octo", "demo", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, issue.Number)
	assert.Equal(t, "Fix the flake", issue.Title)
}

func TestListIssuesWithLabels(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "open", r.URL.Query().Get("state"))
		assert.Equal(t, "bug,agent", r.URL.Query().Get("labels"))
		w.Write([]byte(`[{"number": 1}, {"number": 2}]`))
	}))

	issues, err := c.ListIssues(context.Background(), "octo", "demo", []string{"bug", "agent"})
	require.NoError(t, err)
	assert.Len(t, issues, 2)
}

func TestServerErrorIsRetried(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, `{"message": "oops"}`, http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"number": 7}`))
	}))

	issue, err := c.GetIssue(context.Background(), "octo", "demo", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, issue.Number)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"message": "Not Found"}`, http.StatusNotFound)
	}))

	_, err := c.GetIssue(context.Background(), "octo", "demo", 404)
	require.Error(t, err)

	var apiErr *connectors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "Not Found", apiErr.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestValidationErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"message": "Validation Failed"}`, http.StatusUnprocessableEntity)
	}))

	_, err := c.CreateIssue(context.Background(), "octo", "demo", NewIssue{Title: ""})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestThrottleHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			http.Error(w, `{"message": "rate limited"}`, http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"number": 7}`))
	}))

	start := time.Now()
	issue, err := c.GetIssue(context.Background(), "octo", "demo", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, issue.Number)
	assert.Equal(t, int32(2), calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestForbiddenQuotaExhaustedIsThrottle(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("Retry-After", "1")
			http.Error(w, `{"message": "API rate limit exceeded"}`, http.StatusForbidden)
			return
		}
		w.Write([]byte(`{"number": 9}`))
	}))

	issue, err := c.GetIssue(context.Background(), "octo", "demo", 9)
	require.NoError(t, err)
	assert.Equal(t, 9, issue.Number)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCreatePullRequest(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/repos/octo/demo/pulls", r.URL.Path)
		w.Write([]byte(`{"number": 12, "state": "open", "head": {"ref": "fix"}, "base": {"ref": "main"}}`))
	}))

	pr, err := c.CreatePullRequest(context.Background(), "octo", "demo", NewPullRequest{
		Title: "Fix the flake", Head: "fix", Base: "main",
	})
	require.NoError(t, err)
	assert.Equal(t, 12, pr.Number)
	assert.Equal(t, "fix", pr.Head.Ref)
}

func TestGetRateLimit(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"resources": {"core": {"limit": 5000, "remaining": 4990, "reset": 1700000000}}}`))
	}))

	rl, err := c.GetRateLimit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5000, rl.Limit)
	assert.Equal(t, 4990, rl.Remaining)
	assert.Equal(t, time.Unix(1700000000, 0), rl.Reset)
}
