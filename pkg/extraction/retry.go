package extraction

import (
	"context"
	"strings"
	"time"
)

const (
	// maxAttempts is the total attempt budget for a transient-retried call.
	maxAttempts = 3

	// backoffBase is the first retry delay; it doubles on each attempt.
	backoffBase = 300 * time.Millisecond
)

// transientSignatures are message fragments that classify an error as
// retryable: malformed model output, rate limiting, or resource exhaustion.
// Anything else propagates immediately.
var transientSignatures = []string{
	"malformed",
	"invalid json",
	"unexpected end of json",
	"unmarshal",
	"no json object",
	"rate limit",
	"rate_limit",
	"too many requests",
	"429",
	"resource exhausted",
	"resource_exhausted",
	"overloaded",
}

// isTransient classifies an error by message signature.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// withRetry invokes fn up to maxAttempts times, sleeping with exponential
// backoff between attempts. Only transient failures are retried;
// non-transient failures and context cancellation propagate immediately.
func withRetry[T any](ctx context.Context, backoff time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		if !isTransient(err) {
			return zero, err
		}
		lastErr = err
	}

	return zero, lastErr
}
