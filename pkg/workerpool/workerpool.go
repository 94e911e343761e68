// Package workerpool provides the process-wide bounded pool used for feature
// extraction. Requests submit tasks to a shared pool instead of creating their
// own, so concurrency stays bounded under load.
package workerpool

import (
	"context"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/semaphore"
)

const DefaultSize = 4

// Pool bounds the number of concurrently running tasks across all callers
type Pool struct {
	sem *semaphore.Weighted
}

// New creates a pool running at most size tasks at once
func New(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	return &Pool{
		sem: semaphore.NewWeighted(int64(size)),
	}
}

// Group collects tasks submitted for one unit of work (a submission or a
// batch). Wait blocks until every task of the group has returned.
type Group struct {
	pool *Pool
	wg   sync.WaitGroup
}

// Group starts a new task group on the pool
func (p *Pool) Group() *Group {
	return &Group{pool: p}
}

// Go runs fn on the pool once a slot is free. If ctx is done before a slot is
// acquired, fn is called with the context error instead of running the task,
// so every submitted task reports exactly once.
func (g *Group) Go(ctx context.Context, fn func(ctx context.Context) error, done func(err error)) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		if err := ctx.Err(); err != nil {
			done(goerr.Wrap(err, "task canceled before start"))
			return
		}
		if err := g.pool.sem.Acquire(ctx, 1); err != nil {
			done(goerr.Wrap(err, "failed to acquire worker slot"))
			return
		}
		defer g.pool.sem.Release(1)

		done(runSafe(ctx, fn))
	}()
}

// Wait blocks until all tasks of the group have completed
func (g *Group) Wait() {
	g.wg.Wait()
}

func runSafe(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = goerr.New("task panicked", goerr.V("recover", r))
		}
	}()
	return fn(ctx)
}
