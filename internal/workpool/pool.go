// Package workpool bounds CPU-bound auxiliary work invoked from request
// handlers so it cannot starve order submission.
package workpool

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool runs functions with at most size running at once.
type Pool struct {
	sem  *semaphore.Weighted
	size int
}

// New creates a pool. A size below 1 is treated as 1.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Size returns the number of slots.
func (p *Pool) Size() int { return p.size }

// Do waits for a slot and runs fn on a pool goroutine, off the caller's
// stack. The caller waits for fn or for ctx to end, whichever comes first;
// fn keeps its slot until it returns either way.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		defer p.sem.Release(1)
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run computes fn on the pool and returns its result.
func Run[T any](ctx context.Context, p *Pool, fn func() (T, error)) (T, error) {
	type outcome struct {
		value T
		err   error
	}
	out := make(chan outcome, 1)
	if err := p.Do(ctx, func() error {
		v, err := fn()
		out <- outcome{value: v, err: err}
		return nil
	}); err != nil {
		var zero T
		return zero, err
	}
	o := <-out
	return o.value, o.err
}
