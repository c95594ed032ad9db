package connectors

import (
	"fmt"
	"net/http"
	"time"
)

// ThrottleError carries the server's own pacing hint. The retry delay
// calculators honor RetryAfter instead of guessing with backoff.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// APIError is a non-2xx response from an upstream HTTP API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether retrying could plausibly succeed. Auth
// failures, missing resources and validation rejections are final;
// everything else (5xx, 429, transient junk) is worth another attempt.
func (e *APIError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusUnprocessableEntity:
		return false
	}
	return true
}
