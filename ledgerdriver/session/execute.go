package session

import (
	"context"

	"github.com/krew-solutions/ledger-driver-go/ledgerdriver/retry"
)

type ExecuteOption func(*executeOptions)

type executeOptions struct {
	policy retry.Policy
	notify retry.Notify
}

// ExecuteWithPolicy overrides the pool's retry policy for one call.
func ExecuteWithPolicy(policy retry.Policy) ExecuteOption {
	return func(o *executeOptions) { o.policy = policy }
}

// ExecuteWithRetryNotify registers a hook called before every retry.
func ExecuteWithRetryNotify(notify retry.Notify) ExecuteOption {
	return func(o *executeOptions) { o.notify = notify }
}

// Execute is the typed form of Pool.Execute.
func Execute[T any](ctx context.Context, p *Pool, body func(context.Context, *Transaction) (T, error), opts ...ExecuteOption) (T, error) {
	result, err := p.Execute(ctx, func(ctx context.Context, tx *Transaction) (any, error) {
		return body(ctx, tx)
	}, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	typed, _ := result.(T)
	return typed, nil
}
