// Package retry provides bounded retries with exponential backoff for leaf
// operations that are known to be flaky (SSH dials, BMC polling).
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"

	oerrors "github.com/openpower/optest/errors"
)

// Operation represents a function that can be retried
type Operation func(ctx context.Context) error

// Config holds retry configuration
type Config struct {
	// MaxAttempts is the maximum number of attempts including the initial attempt
	MaxAttempts int

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration

	// Multiplier is the factor by which the delay increases
	Multiplier float64

	// MaxJitter is the maximum random jitter added to delays
	MaxJitter time.Duration

	// OnRetry is called after each failed attempt
	OnRetry func(attempt int, err error)
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxJitter:    100 * time.Millisecond,
	}
}

// Poll returns a configuration that retries at a fixed interval until the
// deadline would be exceeded. Used for "wait until the BMC reports X" loops.
func Poll(interval, timeout time.Duration) Config {
	attempts := 1
	if interval > 0 {
		attempts = int(timeout/interval) + 1
	}
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: interval,
		MaxDelay:     interval,
		Multiplier:   1,
	}
}

// PollUntil calls op every interval until it succeeds, fails permanently or
// timeout elapses, whichever comes first. Running out of time is ErrTimeout
// wrapping the last failure; cancelling ctx stays ErrCancelled.
func PollUntil(ctx context.Context, interval, timeout time.Duration, op Operation) error {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var last error
	err := WithBackoff(pollCtx, func(ctx context.Context) error {
		err := op(ctx)
		if err != nil {
			last = err
		}
		return err
	}, Poll(interval, timeout))

	if err == nil || ctx.Err() != nil || pollCtx.Err() == nil || oerrors.IsUnavailable(err) {
		return err
	}
	if last == nil {
		last = pollCtx.Err()
	}
	return oerrors.Wrapf(last, oerrors.ErrTimeout, "gave up after %s", timeout)
}

// WithBackoff retries an operation with exponential backoff. Only errors
// marked retryable are retried.
func WithBackoff(ctx context.Context, op Operation, cfg Config) error {
	if err := ctx.Err(); err != nil {
		return oerrors.Wrap(err, oerrors.ErrCancelled, "operation cancelled")
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var (
		tries int
		last  error
	)
	policy := backoff.WithContext(backoff.WithMaxRetries(&schedule{cfg: cfg}, uint64(attempts-1)), ctx)
	err := backoff.Retry(func() error {
		tries++
		err := op(ctx)
		if err == nil {
			return nil
		}
		last = err
		if cfg.OnRetry != nil {
			cfg.OnRetry(tries, err)
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)

	switch {
	case err == nil:
		return nil
	case !IsRetryable(last):
		return last
	case ctx.Err() != nil:
		return oerrors.Wrap(ctx.Err(), oerrors.ErrCancelled, "operation cancelled during backoff")
	}
	return fmt.Errorf("operation failed after %d attempts: %w", tries, last)
}

// schedule is a backoff.BackOff producing the delays described by a Config
type schedule struct {
	cfg     Config
	attempt int
}

func (s *schedule) NextBackOff() time.Duration {
	s.attempt++
	return calculateDelay(s.attempt, s.cfg)
}

func (s *schedule) Reset() { s.attempt = 0 }

// calculateDelay calculates the delay before the given attempt
func calculateDelay(attempt int, cfg Config) time.Duration {
	multiplier := cfg.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(cfg.InitialDelay) * math.Pow(multiplier, float64(attempt-1))

	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	if cfg.MaxJitter > 0 {
		delay += float64(cfg.MaxJitter) * rand.Float64()
	}

	return time.Duration(delay)
}

// RetryableError is an error that can be retried
type RetryableError struct {
	err error
}

// Error implements the error interface
func (e *RetryableError) Error() string {
	return e.err.Error()
}

// Unwrap returns the underlying error
func (e *RetryableError) Unwrap() error {
	return e.err
}

// NewRetryableError wraps an error as retryable
func NewRetryableError(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{err: err}
}

// IsRetryable reports whether err was marked retryable or carries a
// temporary error code
func IsRetryable(err error) bool {
	var retryable *RetryableError
	if errors.As(err, &retryable) {
		return true
	}
	return oerrors.IsRetryable(err)
}

// WithRetryable wraps an operation to make its errors retryable
func WithRetryable(op Operation) Operation {
	return func(ctx context.Context) error {
		return NewRetryableError(op(ctx))
	}
}
