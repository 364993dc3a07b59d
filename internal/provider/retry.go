package provider

import (
	"context"
	"time"
)

// RetryPolicy bounds retries around a remote call. The policy knows nothing
// about the call it wraps; it only inspects the error classification.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy matches the provider's published throttling guidance.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}

// Do runs fn up to MaxAttempts times. Rate-limited responses wait the
// provider-supplied Retry-After when present, otherwise BaseDelay scaled by
// the attempt number. Server errors back off exponentially. Any other error
// fails immediately. When attempts are exhausted the last error is returned
// unchanged.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		perr, ok := AsError(lastErr)
		if !ok || !perr.Retriable() || attempt == maxAttempts {
			return lastErr
		}

		var delay time.Duration
		switch perr.Kind {
		case ErrRateLimited:
			delay = perr.RetryAfter
			if delay <= 0 {
				delay = p.BaseDelay * time.Duration(attempt)
			}
		default: // ErrServer
			delay = p.BaseDelay << uint(attempt)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return lastErr
}

// DoValue is the result-returning form of Do for calls that produce a value.
func DoValue[T any](ctx context.Context, p RetryPolicy, fn func() (T, error)) (T, error) {
	var result T
	err := p.Do(ctx, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	return result, err
}
