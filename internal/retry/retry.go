// Package retry runs an operation under an exponential backoff policy that
// is bounded both by the number of attempts and by total elapsed time.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Defaults for delivery to the ingestion endpoint.
const (
	DefaultMaxAttempts     = 5
	DefaultMaxElapsed      = 30 * time.Second
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 8 * time.Second
	DefaultMultiplier      = 2.0
	DefaultJitter          = 0.5
)

// ErrInvalidPolicy is returned by Validate.
var ErrInvalidPolicy = errors.New("invalid retry policy")

// Notify is called after a failed attempt that will be retried, with the
// 1-based attempt number and the wait before the next one.
type Notify func(err error, attempt int, wait time.Duration)

// Policy describes when and how often an operation is retried.
type Policy struct {
	MaxAttempts     uint
	MaxElapsed      time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Jitter is the randomization factor applied to each interval, in [0, 1).
	Jitter float64
	// Retryable reports whether an error is worth another attempt. Nil
	// retries every error.
	Retryable func(error) bool
}

// DefaultPolicy returns the standard delivery policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     DefaultMaxAttempts,
		MaxElapsed:      DefaultMaxElapsed,
		InitialInterval: DefaultInitialInterval,
		MaxInterval:     DefaultMaxInterval,
		Multiplier:      DefaultMultiplier,
		Jitter:          DefaultJitter,
	}
}

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts == 0:
		return fmt.Errorf("%w: max attempts must be positive", ErrInvalidPolicy)
	case p.MaxElapsed <= 0:
		return fmt.Errorf("%w: max elapsed must be positive", ErrInvalidPolicy)
	case p.InitialInterval <= 0 || p.MaxInterval < p.InitialInterval:
		return fmt.Errorf("%w: intervals %s..%s", ErrInvalidPolicy, p.InitialInterval, p.MaxInterval)
	case p.Multiplier < 1:
		return fmt.Errorf("%w: multiplier %v below 1", ErrInvalidPolicy, p.Multiplier)
	case p.Jitter < 0 || p.Jitter >= 1:
		return fmt.Errorf("%w: jitter %v outside [0, 1)", ErrInvalidPolicy, p.Jitter)
	}

	return nil
}

// waitError asks for a specific delay before the next attempt.
type waitError struct {
	err  error
	wait time.Duration
}

func (e *waitError) Error() string { return e.err.Error() }
func (e *waitError) Unwrap() error { return e.err }

// After marks err as retryable no sooner than d from now, overriding the
// backoff schedule for one interval. Servers answering 429 with Retry-After
// use this.
func After(err error, d time.Duration) error {
	if d <= 0 {
		return err
	}

	return &waitError{err: err, wait: d}
}

// Do runs op until it succeeds, returns a non-retryable error, or the
// policy is exhausted. It returns the number of attempts made and the last
// error. If ctx ends first the error wraps the context cause.
//
// Every attempt runs under a context that expires MaxElapsed after Do was
// called, so an attempt started late in the budget is cut short.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error, notify Notify) (int, error) {
	attemptCtx := ctx

	if p.MaxElapsed > 0 {
		var cancel context.CancelFunc

		attemptCtx, cancel = context.WithTimeout(ctx, p.MaxElapsed)
		defer cancel()
	}

	attempts := 0

	var lastErr error

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.Multiplier = p.Multiplier
	exp.RandomizationFactor = p.Jitter

	operation := func() (struct{}, error) {
		attempts++

		err := op(attemptCtx)
		if err == nil {
			return struct{}{}, nil
		}

		lastErr = err

		if p.Retryable != nil && !p.Retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}

		var we *waitError
		if errors.As(err, &we) {
			return struct{}{}, &backoff.RetryAfterError{Duration: we.wait}
		}

		return struct{}{}, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(p.MaxAttempts),
		backoff.WithMaxElapsedTime(p.MaxElapsed),
	}

	if notify != nil {
		opts = append(opts, backoff.WithNotify(func(_ error, wait time.Duration) {
			notify(lastErr, attempts, wait)
		}))
	}

	_, err := backoff.Retry(ctx, operation, opts...)
	if err == nil {
		return attempts, nil
	}

	if ctx.Err() != nil {
		if lastErr == nil {
			return attempts, context.Cause(ctx)
		}

		return attempts, fmt.Errorf("%w: last attempt: %w", context.Cause(ctx), lastErr)
	}

	if lastErr != nil {
		return attempts, lastErr
	}

	return attempts, err
}
