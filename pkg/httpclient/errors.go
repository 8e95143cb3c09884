package httpclient

import (
	"fmt"
	"time"
)

// RetryableError is returned once the configured retries are exhausted. It
// carries the final upstream status and any Retry-After hint so callers can
// surface the failure or reschedule it.
type RetryableError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *RetryableError) Error() string {
	msg := fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %v)", e.RetryAfter)
	}
	return msg
}

func (e *RetryableError) Unwrap() error { return e.Err }

// IsRetryable marks the error class for strategy checks.
func (e *RetryableError) IsRetryable() bool { return true }
