package worker

import (
	"math/rand"
	"strings"
	"time"
)

// Category buckets an execution error by how it should be retried.
type Category string

const (
	// CategoryTransient errors clear on their own: network blips, rate
	// limits, timeouts.
	CategoryTransient Category = "transient"
	// CategoryRecoverable errors need a longer pause: upstream 5xx,
	// temporary failures.
	CategoryRecoverable Category = "recoverable"
	// CategoryPermanent errors will not clear by retrying.
	CategoryPermanent Category = "permanent"
	// CategoryUnknown errors get a bounded benefit of the doubt.
	CategoryUnknown Category = "unknown"
)

// RetryConfig is the budget and backoff shape for one category.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

var retryConfigs = map[Category]RetryConfig{
	CategoryTransient:   {MaxAttempts: 5, BaseDelay: 2 * time.Second, Multiplier: 2, MaxDelay: 30 * time.Second},
	CategoryRecoverable: {MaxAttempts: 3, BaseDelay: 5 * time.Second, Multiplier: 3, MaxDelay: 30 * time.Second},
	CategoryPermanent:   {MaxAttempts: 0},
	CategoryUnknown:     {MaxAttempts: 3, BaseDelay: 2 * time.Second, Multiplier: 2, MaxDelay: 30 * time.Second},
}

// rateLimitDelay is the pause a 429 asks for instead of the computed backoff.
const rateLimitDelay = 30 * time.Second

var transientPatterns = []string{
	"timeout", "timed out",
	"econnreset", "etimedout", "enotfound", "eai_again",
	"connection reset", "connection refused",
	"429", "too many requests", "rate limit",
	"503", "service unavailable",
}

var permanentPatterns = []string{
	"400", "401", "403", "404", "422",
	"unauthorized", "forbidden", "not found", "permission denied",
	"invalid request", "cancelled", "canceled",
}

var recoverablePatterns = []string{
	"500", "502", "504",
	"internal server error", "bad gateway", "gateway timeout",
	"temporary", "overloaded",
}

// Classify buckets an error by matching its message against the category
// pattern sets. Transient patterns win over permanent ones so a 429 or 503
// is never mistaken for a hard failure.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return CategoryTransient
		}
	}
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return CategoryPermanent
		}
	}
	for _, p := range recoverablePatterns {
		if strings.Contains(msg, p) {
			return CategoryRecoverable
		}
	}
	return CategoryUnknown
}

// rateLimited reports whether the error is a rate-limit response carrying
// its own suggested pause.
func rateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "too many requests") || strings.Contains(msg, "rate limit")
}

// Decision is the retry verdict for one failed attempt.
type Decision struct {
	Retry       bool
	Delay       time.Duration
	Category    Category
	Reason      string
	NextAttempt int
}

// ShouldRetry decides whether a failed node execution gets another attempt.
// attempt is the 1-based number of the attempt that just failed. A positive
// maxOverride narrows the category budget; permanent errors never retry.
func ShouldRetry(err error, attempt int, maxOverride int) Decision {
	category := Classify(err)
	cfg := retryConfigs[category]

	max := cfg.MaxAttempts
	if maxOverride > 0 && category != CategoryPermanent {
		max = maxOverride
	}
	if attempt >= max {
		reason := "retry budget exhausted"
		if category == CategoryPermanent {
			reason = "permanent error"
		}
		return Decision{Retry: false, Category: category, Reason: reason, NextAttempt: attempt}
	}

	delay := RetryDelay(attempt, cfg)
	if rateLimited(err) {
		delay = rateLimitDelay
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return Decision{
		Retry:       true,
		Delay:       delay,
		Category:    category,
		Reason:      string(category) + " error, backing off",
		NextAttempt: attempt + 1,
	}
}

// RetryDelay computes base × multiplier^(attempt-1) with ±20% jitter,
// capped at the category's MaxDelay. attempt is 1-based.
func RetryDelay(attempt int, cfg RetryConfig) time.Duration {
	if cfg.BaseDelay <= 0 {
		return 0
	}
	delay := float64(cfg.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= cfg.Multiplier
	}
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	jittered := delay * (0.8 + 0.4*rand.Float64())
	if cfg.MaxDelay > 0 && jittered > float64(cfg.MaxDelay) {
		jittered = float64(cfg.MaxDelay)
	}
	return time.Duration(jittered)
}
