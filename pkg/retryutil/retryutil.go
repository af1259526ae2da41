// Package retryutil provides a generic bounded-retry helper for
// operations attempted against a changing set of candidates, such as
// downloading a chunk from a rotating set of peers.
package retryutil

import (
	"context"
	"fmt"
)

// Operation is one attempt: Do calls it once per tried candidate, passing
// the candidate that should be used for this attempt.
type Operation[C any] func(ctx context.Context, candidate C) error

// Config controls how Do selects and bounds candidates.
type Config[C any] struct {
	MaxAttempts int
	OnRetry     func(attempt int, candidate C, err error)
}

// Option customizes a Config.
type Option[C any] func(*Config[C])

// DefaultConfig returns a Config with a two-attempt budget, matching the
// "try two distinct peers" retry budget used for chunk downloads.
func DefaultConfig[C any]() *Config[C] {
	return &Config[C]{MaxAttempts: 2}
}

// WithMaxAttempts overrides the attempt budget.
func WithMaxAttempts[C any](n int) Option[C] {
	return func(c *Config[C]) { c.MaxAttempts = n }
}

// WithOnRetry installs a callback invoked after a failed attempt, before
// the next candidate is tried.
func WithOnRetry[C any](fn func(attempt int, candidate C, err error)) Option[C] {
	return func(c *Config[C]) { c.OnRetry = fn }
}

// Do calls op once per candidate in candidates, in order, stopping at the
// first success or once MaxAttempts candidates have been tried (or the
// candidate list is exhausted, whichever comes first). It returns nil on
// the first success, or the last error encountered if every attempted
// candidate failed.
func Do[C any](ctx context.Context, candidates []C, op Operation[C], opts ...Option[C]) error {
	cfg := DefaultConfig[C]()
	for _, opt := range opts {
		opt(cfg)
	}

	var lastErr error
	attempts := 0

	for _, candidate := range candidates {
		if attempts >= cfg.MaxAttempts {
			break
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context canceled before attempt %d: %w", attempts+1, err)
		}

		attempts++
		lastErr = op(ctx, candidate)
		if lastErr == nil {
			return nil
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempts, candidate, lastErr)
		}
	}

	if attempts == 0 {
		return fmt.Errorf("no candidates available")
	}
	return fmt.Errorf("all %d attempt(s) failed, last error: %w", attempts, lastErr)
}
