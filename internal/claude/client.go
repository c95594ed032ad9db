package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/datablogin/entropy-playground/internal/connectors"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	defaultTimeout   = 60 * time.Second
	defaultAttempts  = 3
	defaultMaxTokens = 4096
)

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one completion call. Zero-value MaxTokens gets the
// default.
type Request struct {
	Model     string    `json:"model"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
}

type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type Response struct {
	ID         string `json:"id"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage Usage `json:"usage"`
}

// Text concatenates the text blocks of the response.
func (r *Response) Text() string {
	out := ""
	for _, block := range r.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out
}

// Messenger is the completion surface the agent roles depend on. The
// production client and the test mock both satisfy it.
type Messenger interface {
	CreateMessage(ctx context.Context, req Request) (*Response, error)
	TotalUsage() Usage
	Healthy() bool
}

// Client talks to the Anthropic messages API. Calls go through a
// circuit breaker wrapping a throttle-aware retry loop, so a run of
// failures stops hammering the API while transient errors still get
// their retries. Token totals accumulate across the client's lifetime.
type Client struct {
	baseURL  string
	apiKey   string
	model    string
	http     *http.Client
	cb       *gobreaker.CircuitBreaker
	attempts uint
	logger   *zap.Logger

	inputTokens  atomic.Int64
	outputTokens atomic.Int64
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

func NewClient(apiKey, model string, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:  defaultBaseURL,
		apiKey:   apiKey,
		model:    model,
		http:     &http.Client{Timeout: defaultTimeout},
		attempts: defaultAttempts,
		logger:   logger.Named("claude"),
	}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "claude-api",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateMessage runs one completion. Missing model and max_tokens fall
// back to the client defaults.
func (c *Client) CreateMessage(ctx context.Context, req Request) (*Response, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = defaultMaxTokens
	}

	result, err := c.cb.Execute(func() (any, error) {
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
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				var tErr *connectors.ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)

		var resp *Response
		retryErr := r.Do(func() error {
			var callErr error
			resp, callErr = c.do(ctx, req)
			return callErr
		})
		return resp, retryErr
	})
	if err != nil {
		return nil, err
	}

	resp := result.(*Response)
	c.inputTokens.Add(resp.Usage.InputTokens)
	c.outputTokens.Add(resp.Usage.OutputTokens)
	return resp, nil
}

func (c *Client) do(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	if httpResp.StatusCode == http.StatusOK {
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &resp, nil
	}

	apiErr := &connectors.APIError{StatusCode: httpResp.StatusCode, Message: errMessage(data)}
	if httpResp.StatusCode == http.StatusTooManyRequests {
		delay := time.Second
		if v := httpResp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				delay = time.Duration(secs) * time.Second
			}
		}
		c.logger.Warn("throttled by api", zap.Duration("retry_after", delay))
		return nil, &connectors.ThrottleError{RetryAfter: delay, Cause: apiErr}
	}
	return nil, apiErr
}

// TotalUsage returns the tokens consumed over the client's lifetime.
func (c *Client) TotalUsage() Usage {
	return Usage{
		InputTokens:  c.inputTokens.Load(),
		OutputTokens: c.outputTokens.Load(),
	}
}

// ResetUsage zeroes the lifetime counters, for per-window accounting.
func (c *Client) ResetUsage() {
	c.inputTokens.Store(0)
	c.outputTokens.Store(0)
}

// Healthy reports whether the circuit breaker is passing traffic.
func (c *Client) Healthy() bool {
	return c.cb.State() != gobreaker.StateOpen
}

func errMessage(data []byte) string {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error.Message != "" {
		return body.Error.Message
	}
	return string(data)
}
