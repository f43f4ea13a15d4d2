// Package worker bounds how much blocking work actions run at once, such as
// external commands started from macros.
package worker

import (
	"context"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/goatkit/macrohost/internal/apierrors"
)

// Pool is a weighted semaphore shared by every caller.
type Pool struct {
	size     int64
	sem      *semaphore.Weighted
	inFlight atomic.Int64
}

// New creates a pool running at most size jobs. Zero or less means the
// number of CPUs.
func New(size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	return &Pool{size: int64(size), sem: semaphore.NewWeighted(int64(size))}
}

// Size returns the pool capacity.
func (p *Pool) Size() int { return int(p.size) }

// InFlight returns how many jobs are running.
func (p *Pool) InFlight() int64 { return p.inFlight.Load() }

// Do runs fn once a slot is free. A ctx that ends first is a timeout; fn is
// expected to honor ctx itself once started.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return apierrors.Wrap(apierrors.CodeTimeout, "worker.Do", err)
	}
	defer p.sem.Release(1)
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	return fn(ctx)
}

// All runs every fn through the pool and returns the first error. The
// context passed to the others is cancelled once one fails.
func (p *Pool) All(ctx context.Context, fns ...func(ctx context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(int(p.size))
	for _, fn := range fns {
		g.Go(func() error { return p.Do(gctx, fn) })
	}
	return g.Wait()
}
