package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/datablogin/entropy-playground/internal/connectors"
)

const (
	defaultBaseURL  = "https://api.github.com"
	defaultTimeout  = 10 * time.Second
	defaultAttempts = 3
)

// Client is a minimal GitHub REST v3 client: only the surface the
// agent roles touch. Requests are paced by a local limiter and retried
// with throttle-aware delays; final errors (401/403/404/422) are never
// retried.
type Client struct {
	baseURL  string
	token    string
	http     *http.Client
	limiter  *rate.Limiter
	attempts uint
	logger   *zap.Logger
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithAttempts(n uint) Option {
	return func(c *Client) { c.attempts = n }
}

func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

func NewClient(token string, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:  defaultBaseURL,
		token:    token,
		http:     &http.Client{Timeout: defaultTimeout},
		limiter:  rate.NewLimiter(rate.Limit(10), 5),
		attempts: defaultAttempts,
		logger:   logger.Named("github"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) GetRepository(ctx context.Context, owner, repo string) (*Repository, error) {
	var out Repository
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s", owner, repo), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	var out Issue
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s/issues/%d", owner, repo, number), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListIssues returns open issues, optionally filtered by labels.
func (c *Client) ListIssues(ctx context.Context, owner, repo string, labels []string) ([]Issue, error) {
	q := url.Values{"state": {"open"}}
	if len(labels) > 0 {
		q.Set("labels", strings.Join(labels, ","))
	}
	var out []Issue
	path := fmt.Sprintf("/repos/%s/%s/issues?%s", owner, repo, q.Encode())
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateIssue(ctx context.Context, owner, repo string, issue NewIssue) (*Issue, error) {
	var out Issue
	if err := c.call(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/issues", owner, repo), issue, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error) {
	var out PullRequest
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, number), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListPullRequests(ctx context.Context, owner, repo, state string) ([]PullRequest, error) {
	if state == "" {
		state = "open"
	}
	var out []PullRequest
	path := fmt.Sprintf("/repos/%s/%s/pulls?state=%s", owner, repo, url.QueryEscape(state))
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreatePullRequest(ctx context.Context, owner, repo string, pr NewPullRequest) (*PullRequest, error) {
	var out PullRequest
	if err := c.call(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/pulls", owner, repo), pr, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetRateLimit(ctx context.Context) (*RateLimit, error) {
	var out rateLimitResponse
	if err := c.call(ctx, http.MethodGet, "/rate_limit", nil, &out); err != nil {
		return nil, err
	}
	core := out.Resources.Core
	core.Reset = time.Unix(core.ResetUnix, 0)
	return &core, nil
}

// call runs one API operation through the limiter and the retry loop.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var apiErr *connectors.APIError
			if errors.As(err, &apiErr) {
				return apiErr.Retryable()
			}
			return true
		}),
		// Server-provided pacing wins over backoff.
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			var tErr *connectors.ThrottleError
			if errors.As(err, &tErr) {
				return tErr.RetryAfter
			}
			return retry.BackOffDelay(n, err, config)
		}),
	)

	return r.Do(func() error {
		return c.do(ctx, method, path, body, out)
	})
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}

	apiErr := &connectors.APIError{StatusCode: resp.StatusCode, Message: errMessage(data)}

	// 429 always means throttled; 403 only when the quota is spent.
	if resp.StatusCode == http.StatusTooManyRequests ||
		(resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0") {
		delay := retryAfter(resp.Header)
		c.logger.Warn("throttled by api",
			zap.String("path", path), zap.Duration("retry_after", delay))
		return &connectors.ThrottleError{RetryAfter: delay, Cause: apiErr}
	}

	return apiErr
}

// retryAfter reads the server's pacing hint, in either seconds or
// reset-epoch form, with a floor of one second.
func retryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Until(time.Unix(epoch, 0)); d > time.Second {
				return d
			}
		}
	}
	return time.Second
}

func errMessage(data []byte) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Message != "" {
		return body.Message
	}
	return string(data)
}
