package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrPermanent = errors.New("permanent failure")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

func (e *permanentError) Is(target error) bool {
	return target == ErrPermanent
}

// Permanent marks err so that Do stops retrying it. The original error stays
// reachable through errors.Is / errors.As.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

type TimeoutError struct {
	Message string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("operation timed out after %s", e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == context.DeadlineExceeded
}

type Options struct {
	// Retries is the number of extra attempts after the first one.
	Retries int
	// Delay is used between attempts when Backoff is nil.
	Delay       time.Duration
	Backoff     func(attempt int) time.Duration
	ShouldRetry func(err error) bool
	// OnRetry runs before each wait. Returning an error aborts the loop with
	// that error.
	OnRetry func(attempt int, err error) error
}

func Do(ctx context.Context, op func(ctx context.Context) error, opts Options) error {
	_, err := Value(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts)
	return err
}

func Value[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts Options) (T, error) {
	var zero T
	if op == nil {
		return zero, errors.New("retry: nil operation")
	}
	retries := opts.Retries
	if retries < 0 {
		retries = 0
	}
	shouldRetry := opts.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(err error) bool { return !IsPermanent(err) }
	}
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}
		value, err := op(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if attempt >= retries || IsPermanent(err) || !shouldRetry(err) {
			return zero, lastErr
		}
		if opts.OnRetry != nil {
			if hookErr := opts.OnRetry(attempt+1, err); hookErr != nil {
				return zero, hookErr
			}
		}
		delay := opts.Delay
		if opts.Backoff != nil {
			delay = opts.Backoff(attempt + 1)
		}
		if waitErr := Wait(ctx, delay); waitErr != nil {
			return zero, lastErr
		}
	}
}

// WithTimeout runs factory with a context that is cancelled after timeout so
// the underlying call is aborted instead of left running.
func WithTimeout[T any](ctx context.Context, factory func(ctx context.Context) (T, error), timeout time.Duration, message string) (T, error) {
	if timeout <= 0 {
		return factory(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := factory(callCtx)
		done <- result{value: value, err: err}
	}()

	var zero T
	select {
	case res := <-done:
		if res.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, &TimeoutError{Message: message, Timeout: timeout}
		}
		return res.value, res.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, &TimeoutError{Message: message, Timeout: timeout}
	}
}

func ConstantBackoff(delay time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return delay }
}

// ExponentialBackoff doubles base for every attempt after the first, capped at
// max.
func ExponentialBackoff(base, max time.Duration) func(int) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if max <= 0 {
		max = 2 * time.Second
	}
	return func(attempt int) time.Duration {
		delay := base
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay >= max {
				return max
			}
		}
		if delay > max {
			return max
		}
		return delay
	}
}

func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
