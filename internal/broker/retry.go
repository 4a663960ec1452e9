package broker

import (
	"context"
	"time"
)

// ReadRetry is the backoff policy for read-only adapter calls.
type ReadRetry struct {
	Attempts  int
	BaseDelay time.Duration
}

var DefaultReadRetry = ReadRetry{Attempts: 3, BaseDelay: 200 * time.Millisecond}

// Do calls fn until it succeeds, the attempts run out, or fn fails with
// something other than a *TransportError. The delay doubles after each
// failed attempt. Only use it for read paths; orders are never retried.
func (r ReadRetry) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	delay := r.BaseDelay
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !IsTransport(err) {
			return err
		}

		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return err
}

// RetryRead runs a value returning read with the default policy.
func RetryRead[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := DefaultReadRetry.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
