package execution

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout marks a call that outlived its per-action budget
var ErrTimeout = errors.New("executor call timed out")

// callWithTimeout runs fn in its own goroutine under a deadline of d.
// d <= 0 waits for fn to return and relies on the caller's context only.
// A panic in fn is returned as an error.
//
// Only the per-action deadline abandons fn. When the caller's context is
// cancelled, fn sees the cancellation and callWithTimeout waits for it to
// return, so a side effect that lands anyway is still reported.
func callWithTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	parent := ctx
	var done <-chan struct{}
	if d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
		done = ctx.Done()
	}

	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("executor panic: %v", r)}
			}
		}()
		v, err := fn(ctx)
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-done:
		if parent.Err() != nil {
			r := <-ch
			return r.v, r.err
		}
		var zero T
		return zero, fmt.Errorf("%w after %s", ErrTimeout, d)
	}
}
