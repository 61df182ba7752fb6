package recording

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRetriesExhausted matches every *RetriesExhaustedError.
var ErrRetriesExhausted = errors.New("retries exhausted")

// RetriesExhaustedError is returned by Retry when every attempt failed.
type RetriesExhaustedError struct {
	Attempts int
	Err      error // last attempt's error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Err }

func (e *RetriesExhaustedError) Is(target error) bool { return target == ErrRetriesExhausted }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Retry returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry calls op up to maxAttempts times, sleeping interval between failed
// attempts. Cancellation of ctx is returned as ctx.Err() and never counts
// as a failed attempt.
func Retry[T any](ctx context.Context, maxAttempts int, interval time.Duration, op func(context.Context) (T, error)) (T, error) {
	return retryWithSleep(ctx, maxAttempts, interval, sleepCtx, op)
}

func retryWithSleep[T any](ctx context.Context, maxAttempts int, interval time.Duration, sleep sleepFunc, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		lastErr = err

		if attempt < maxAttempts {
			if err := sleep(ctx, interval); err != nil {
				return zero, err
			}
		}
	}
	return zero, &RetriesExhaustedError{Attempts: maxAttempts, Err: lastErr}
}
