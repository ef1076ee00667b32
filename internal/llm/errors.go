package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// AuthError reports rejected credentials (HTTP 401). Fatal; never retried.
type AuthError struct {
	Status int
	Body   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication rejected (HTTP %d): %s", e.Status, e.Body)
}

// BadRequestError reports a malformed request (HTTP 400). Fatal; retrying
// an identical request cannot succeed.
type BadRequestError struct {
	Status int
	Body   string
}

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("bad request (HTTP %d): %s", e.Status, e.Body)
}

// RateLimitError reports HTTP 429. Retried with backoff.
type RateLimitError struct {
	Body string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %s", e.Body)
}

// ServerError reports a transient 5xx failure. Retried with backoff.
type ServerError struct {
	Status int
	Body   string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error (HTTP %d): %s", e.Status, e.Body)
}

// TimeoutError reports a per-phase timeout (connect, handshake, read).
// Retried like transient server errors.
type TimeoutError struct {
	Phase string
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout during %s: %v", e.Phase, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// classifyStatus maps an HTTP error status to the error taxonomy.
// 400/401 are terminal; 429 and 5xx are retryable.
func classifyStatus(status int, body string) error {
	switch {
	case status == http.StatusUnauthorized:
		return &AuthError{Status: status, Body: body}
	case status == http.StatusTooManyRequests:
		return &RateLimitError{Body: body}
	case status >= 500:
		return &ServerError{Status: status, Body: body}
	default:
		return &BadRequestError{Status: status, Body: body}
	}
}

// classifyTransport maps a transport-level error to the taxonomy.
// Context cancellation passes through untouched so callers can
// distinguish a cancelled turn from a slow backend.
func classifyTransport(err error, phase string) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &TimeoutError{Phase: phase, Err: err}
	}
	// Connection-level failures (refused, reset) are treated as transient.
	return &ServerError{Status: 0, Body: err.Error()}
}

// IsRetryable reports whether an error should be retried with backoff.
func IsRetryable(err error) bool {
	var rl *RateLimitError
	var se *ServerError
	var te *TimeoutError
	return errors.As(err, &rl) || errors.As(err, &se) || errors.As(err, &te)
}
