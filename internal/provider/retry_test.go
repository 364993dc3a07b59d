package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicySucceedsFirstAttempt(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	calls := 0
	err := policy.Do(context.Background(), func() error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicyRetriesServerErrors(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	calls := 0
	err := policy.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &Error{Kind: ErrServer, StatusCode: 503, Message: "unavailable"}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyDoesNotRetryNonRetriableErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"auth", &Error{Kind: ErrAuth, StatusCode: 401, Message: "rejected"}},
		{"invalid grant", &Error{Kind: ErrInvalidGrant, Message: "dead refresh token"}},
		{"not found", &Error{Kind: ErrNotFound, StatusCode: 404, Message: "gone"}},
		{"bad request", &Error{Kind: ErrBadRequest, StatusCode: 400, Message: "malformed"}},
		{"unclassified", errors.New("plain error")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}

			calls := 0
			err := policy.Do(context.Background(), func() error {
				calls++
				return tt.err
			})

			assert.Equal(t, tt.err, err)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestRetryPolicyReturnsLastErrorWhenExhausted(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}

	wantErr := &Error{Kind: ErrServer, StatusCode: 502, Message: "bad gateway"}
	calls := 0
	err := policy.Do(context.Background(), func() error {
		calls++
		return wantErr
	})

	assert.Equal(t, wantErr, err)
	assert.Equal(t, 2, calls)
}

func TestRetryPolicyHonorsRetryAfter(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}
	retryAfter := 60 * time.Millisecond

	start := time.Now()
	calls := 0
	err := policy.Do(context.Background(), func() error {
		calls++
		if calls == 1 {
			return &Error{Kind: ErrRateLimited, StatusCode: 429, RetryAfter: retryAfter, Message: "throttled"}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.GreaterOrEqual(t, time.Since(start), retryAfter, "the wait must be at least the provider-supplied delay")
}

func TestRetryPolicyFallsBackToBaseDelayWithoutRetryAfter(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 2, BaseDelay: 30 * time.Millisecond}

	start := time.Now()
	calls := 0
	err := policy.Do(context.Background(), func() error {
		calls++
		if calls == 1 {
			return &Error{Kind: ErrRateLimited, StatusCode: 429, Message: "throttled"}
		}
		return nil
	})

	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestRetryPolicyStopsOnCancelledContext(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- policy.Do(ctx, func() error {
			calls++
			return &Error{Kind: ErrServer, StatusCode: 500, Message: "boom"}
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("retry did not observe context cancellation")
	}
}

func TestDoValueReturnsResult(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	calls := 0
	value, err := DoValue(context.Background(), policy, func() (int, error) {
		calls++
		if calls < 2 {
			return 0, &Error{Kind: ErrServer, StatusCode: 500, Message: "boom"}
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, value)
}
