// Package executor funnels container operations through a single worker.
// The engine underneath is deliberately single-threaded; the executor is
// what lets many goroutines share one vault safely.
package executor

import (
	"context"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"
)

// Serial runs submitted operations one at a time in submission order.
type Serial struct {
	pool *ants.Pool
}

// New builds the single-worker pool.
func New() (*Serial, error) {
	pool, err := ants.NewPool(1, ants.WithPreAlloc(true))
	if err != nil {
		return nil, err
	}
	return &Serial{pool: pool}, nil
}

// Do runs fn on the worker and waits for its result.
func (s *Serial) Do(fn func() error) error {
	done := make(chan error, 1)
	if err := s.pool.Submit(func() {
		done <- fn()
	}); err != nil {
		return err
	}
	return <-done
}

// DoContext is Do with cancellation while waiting. The operation itself
// still completes on the worker; only the wait is abandoned.
func (s *Serial) DoContext(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	if err := s.pool.Submit(func() {
		done <- fn()
	}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Batch runs a set of producers concurrently, funneling each result into
// the worker via apply. Producers may do their own I/O in parallel; only
// apply is serialized.
func (s *Serial) Batch(ctx context.Context, producers []func() (any, error), apply func(any) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, produce := range producers {
		produce := produce
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			item, err := produce()
			if err != nil {
				return err
			}
			return s.DoContext(ctx, func() error {
				return apply(item)
			})
		})
	}
	return g.Wait()
}

// Release tears the worker down. Pending operations finish first.
func (s *Serial) Release() {
	s.pool.Release()
}
