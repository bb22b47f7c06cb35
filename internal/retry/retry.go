// Package retry provides the single retry policy shared by every upstream
// call site (embeddings, completions, game-status lookups). Call sites
// parameterize attempts, delays and the retryable-error predicate instead
// of hand-rolling backoff loops.
package retry

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
)

// Policy describes bounded exponential backoff for one call site.
type Policy struct {
	MaxRetries int           // retries after the first attempt (0 = try once)
	BaseDelay  time.Duration // first backoff delay, doubled per attempt
	MaxDelay   time.Duration // backoff cap
	// Retryable decides whether an error is worth another attempt.
	// nil means every error is retryable.
	Retryable func(error) bool
}

// DefaultPolicy mirrors the upstream defaults used across the bot:
// two retries, 1.5s base, capped at 60s.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 2,
		BaseDelay:  1500 * time.Millisecond,
		MaxDelay:   60 * time.Second,
	}
}

// Do runs fn under the policy. The context aborts both fn and the backoff
// sleeps. The last error is returned unwrapped on exhaustion.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(uint(p.MaxRetries) + 1),
		retry.Delay(p.BaseDelay),
		retry.MaxDelay(p.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	}
	if p.Retryable != nil {
		opts = append(opts, retry.RetryIf(p.Retryable))
	}
	return retry.Do(fn, opts...)
}
