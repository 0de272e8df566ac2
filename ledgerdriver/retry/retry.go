package retry

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/krew-solutions/ledger-driver-go/ledgerdriver/fault"
)

// Hooks let the caller swap sessions between attempts. NewSession replaces a
// session the server no longer accepts, NextSession trades the current pooled
// session for another one. Nil hooks are skipped.
type Hooks struct {
	NewSession  func(ctx context.Context) error
	NextSession func(ctx context.Context) error
	Notify      Notify
}

// Execute runs op until it succeeds, fails with a non-retriable fault or the
// policy runs out of retries, making at most policy.MaxRetries()+1 attempts.
//
// Only *fault.TransactionError values with a retriable disposition are
// retried; any other error is returned unchanged. When retries are exhausted
// the cause of the last fault is returned with the attempt count attached.
func Execute[T any](ctx context.Context, op func(context.Context) (T, error), policy Policy, hooks Hooks) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fault.Cancelled(err)
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}

		var te *fault.TransactionError
		if !errors.As(err, &te) || !te.Retriable() {
			return zero, err
		}
		if attempt > policy.MaxRetries() {
			return zero, exhausted(te, attempt)
		}

		var hookErr error
		switch te.Disposition {
		case fault.RetryNewSession:
			hookErr = call(ctx, hooks.NewSession, "unable to start a new session")
		case fault.RetryNextSession:
			hookErr = call(ctx, hooks.NextSession, "unable to acquire the next session")
		}
		if hookErr != nil {
			return zero, hookErr
		}

		if hooks.Notify != nil {
			if err := hooks.Notify(ctx, attempt); err != nil {
				return zero, cancellation(ctx, err)
			}
		}
		if err := sleep(ctx, policy.Delay(attempt)); err != nil {
			return zero, err
		}
	}
}

func exhausted(te *fault.TransactionError, attempts int) error {
	cause := te.Cause
	if cause == nil {
		cause = te
	}
	return errors.WithMessagef(cause, "transaction %s gave up after %d attempts", te.TransactionID, attempts)
}

func call(ctx context.Context, hook func(context.Context) error, msg string) error {
	if hook == nil {
		return nil
	}
	if err := hook(ctx); err != nil {
		return cancellation(ctx, errors.Wrap(err, msg))
	}
	return nil
}

// cancellation reports err as a cancellation when ctx is done.
func cancellation(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fault.Cancelled(ctxErr)
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return fault.Cancelled(err)
		}
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fault.Cancelled(ctx.Err())
	case <-timer.C:
		return nil
	}
}
