// Package retry runs operations against external services with a bounded
// number of attempts and a delay between them.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxAttempts = 3
	DefaultDelay       = time.Second
)

type Policy struct {
	MaxAttempts int
	// Delay is the wait after every failed attempt except the last.
	Delay time.Duration
	// Retryable reports whether another attempt may follow err. Permanent
	// errors are never retried regardless of this function.
	Retryable func(err error) bool
	// Timer replaces the real clock between attempts. It must not be shared
	// by concurrent calls.
	Timer backoff.Timer
}

// DefaultPolicy is three attempts one second apart.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Delay:       DefaultDelay,
	}
}

// Permanent marks err so Do returns it without further attempts.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

func IsPermanent(err error) bool {
	var p *backoff.PermanentError
	return errors.As(err, &p)
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

func IsExhausted(err error) bool {
	var e *ExhaustedError
	return errors.As(err, &e)
}

// Do calls op until it succeeds, returns a permanent error, the policy says
// stop, or ctx is done. It waits between attempts, never after the last.
func Do(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, op(ctx, attempt)
	})
	return err
}

func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var (
		zero     T
		attempts int
		stopped  bool
	)
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), uint64(p.MaxAttempts-1)),
		ctx,
	)
	notify := func(err error, next time.Duration) {
		slog.Debug("Attempt failed, retrying", "attempt", attempts, "max_attempts", p.MaxAttempts, "delay", next, "error", err)
	}

	v, err := backoff.RetryNotifyWithTimerAndData(func() (T, error) {
		attempts++
		if err := ctx.Err(); err != nil {
			stopped = true
			return zero, backoff.Permanent(err)
		}
		v, err := op(ctx, attempts)
		switch {
		case err == nil:
			return v, nil
		case IsPermanent(err):
			stopped = true
			return zero, err
		case p.Retryable != nil && !p.Retryable(err):
			stopped = true
			return zero, backoff.Permanent(err)
		}
		return zero, err
	}, b, notify, p.Timer)

	switch {
	case err == nil:
		return v, nil
	case stopped, ctx.Err() != nil:
		return zero, err
	}
	return zero, &ExhaustedError{Attempts: attempts, Last: err}
}
