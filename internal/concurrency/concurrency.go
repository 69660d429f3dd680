package concurrency

import (
	"context"

	"github.com/sourcegraph/conc/pool"
)

// NewPool returns a new pool where each task respects context cancellation.
// Wait() will only return the first error seen.
func NewPool(ctx context.Context, maxGoroutines int) *pool.ContextPool {
	return pool.New().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError().
		WithMaxGoroutines(maxGoroutines)
}

// Map calls fn for every index in [0, n) on at most maxGoroutines goroutines
// and returns the results in index order. The first error cancels the
// remaining calls and is returned.
func Map[T any](ctx context.Context, n, maxGoroutines int, fn func(ctx context.Context, i int) (T, error)) ([]T, error) {
	results := make([]T, n)
	p := NewPool(ctx, max(1, maxGoroutines))
	for i := 0; i < n; i++ {
		p.Go(func(ctx context.Context) error {
			v, err := fn(ctx, i)
			if err != nil {
				return err
			}
			results[i] = v
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// TrySendThroughChannel attempts to send an object through a channel.
// If the context is canceled, it will not send the object.
func TrySendThroughChannel[T any](ctx context.Context, msg T, channel chan<- T) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case channel <- msg:
		return true
	}
}
