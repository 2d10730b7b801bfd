package worker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := map[string]Category{
		"request timeout after 30m":       CategoryTransient,
		"read tcp: ECONNRESET":            CategoryTransient,
		"dial: connection refused":        CategoryTransient,
		"HTTP 429 Too Many Requests":      CategoryTransient,
		"upstream returned 503":           CategoryTransient,
		"HTTP 401 unauthorized":           CategoryPermanent,
		"permission denied on /etc":       CategoryPermanent,
		"resource not found":              CategoryPermanent,
		"call cancelled by user":          CategoryPermanent,
		"HTTP 500 internal server error":  CategoryRecoverable,
		"temporary failure, please retry": CategoryRecoverable,
		"bad gateway":                     CategoryRecoverable,
		"something inexplicable":          CategoryUnknown,
	}
	for msg, want := range cases {
		assert.Equal(t, want, Classify(errors.New(msg)), "message %q", msg)
	}
	assert.Equal(t, CategoryUnknown, Classify(nil))
}

func TestShouldRetryBudgets(t *testing.T) {
	transient := errors.New("connection reset by peer")

	d := ShouldRetry(transient, 1, 0)
	assert.True(t, d.Retry)
	assert.Equal(t, 2, d.NextAttempt)
	assert.Equal(t, CategoryTransient, d.Category)

	d = ShouldRetry(transient, 4, 0)
	assert.True(t, d.Retry, "attempt 4 of 5 still retries")

	d = ShouldRetry(transient, 5, 0)
	assert.False(t, d.Retry, "transient budget is five attempts")

	recoverable := errors.New("temporary failure")
	d = ShouldRetry(recoverable, 3, 0)
	assert.False(t, d.Retry, "recoverable budget is three attempts")

	unknown := errors.New("inexplicable")
	d = ShouldRetry(unknown, 2, 0)
	assert.True(t, d.Retry)
	d = ShouldRetry(unknown, 3, 0)
	assert.False(t, d.Retry, "unknown budget is three attempts")
}

func TestShouldRetryPermanentNeverRetries(t *testing.T) {
	permanent := errors.New("403 forbidden")
	d := ShouldRetry(permanent, 1, 0)
	assert.False(t, d.Retry)
	assert.Equal(t, "permanent error", d.Reason)

	// A node-level attempt override cannot revive a permanent error.
	d = ShouldRetry(permanent, 1, 10)
	assert.False(t, d.Retry)
}

func TestShouldRetryHonorsNodeOverride(t *testing.T) {
	transient := errors.New("timeout")
	d := ShouldRetry(transient, 2, 2)
	assert.False(t, d.Retry, "override narrows the budget to two attempts")

	d = ShouldRetry(transient, 1, 2)
	assert.True(t, d.Retry)
}

func TestRateLimitSuggestedDelay(t *testing.T) {
	d := ShouldRetry(errors.New("HTTP 429 too many requests"), 1, 0)
	assert.True(t, d.Retry)
	assert.Equal(t, 30*time.Second, d.Delay, "a rate limit asks for its own pause")
}

func TestRetryDelayBackoffShape(t *testing.T) {
	cfg := retryConfigs[CategoryTransient]

	for attempt, want := range map[int]time.Duration{
		1: 2 * time.Second,
		2: 4 * time.Second,
		3: 8 * time.Second,
		4: 16 * time.Second,
	} {
		got := RetryDelay(attempt, cfg)
		lo := time.Duration(float64(want) * 0.8)
		hi := time.Duration(float64(want) * 1.2)
		assert.GreaterOrEqual(t, got, lo, "attempt %d", attempt)
		assert.LessOrEqual(t, got, hi, "attempt %d", attempt)
	}

	// Attempt 5 would be 32s; the cap pins it at 30s before jitter.
	got := RetryDelay(5, cfg)
	assert.LessOrEqual(t, got, 30*time.Second)
	assert.GreaterOrEqual(t, got, 24*time.Second)

	slow := retryConfigs[CategoryRecoverable]
	got = RetryDelay(2, slow)
	assert.GreaterOrEqual(t, got, 12*time.Second)
	assert.LessOrEqual(t, got, 18*time.Second)
}
