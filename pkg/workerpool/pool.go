// Package workerpool provides the bounded executors batch stages run on.
//
// A Pool runs n independent tasks on at most Workers goroutines and returns
// one error slot per task index, so callers collect results by index instead
// of appending from several goroutines. A failing or panicking task never
// stops its siblings.
package workerpool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Observer is notified after every task with its index, outcome and duration.
type Observer func(pool string, index int, err error, elapsed time.Duration)

// Pool is a bounded executor shared by every stage that submits to it.
// Stages that must not compete for slots (I/O-bound extraction and CPU-bound
// units) get separate Pools.
type Pool struct {
	name     string
	workers  int
	slots    chan struct{}
	observer Observer

	// Statistics (atomic)
	processed int64
	failed    int64
}

// Option configures a Pool.
type Option func(*Pool)

// WithObserver installs a per-task completion callback.
func WithObserver(o Observer) Option {
	return func(p *Pool) {
		p.observer = o
	}
}

// New creates a pool. A non-positive worker count means one worker.
func New(name string, workers int, opts ...Option) *Pool {
	if workers <= 0 {
		workers = 1
	}
	p := &Pool{name: name, workers: workers, slots: make(chan struct{}, workers)}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the pool's name.
func (p *Pool) Name() string { return p.name }

// Workers returns the concurrency bound.
func (p *Pool) Workers() int { return p.workers }

// Stats returns the number of tasks processed and failed so far.
func (p *Pool) Stats() (processed, failed int64) {
	return atomic.LoadInt64(&p.processed), atomic.LoadInt64(&p.failed)
}

// Run executes task for every index in [0, n) and blocks until all have
// finished. errs[i] holds the outcome of task i. The worker bound holds
// across concurrent Run calls on the same Pool, so a task must never call
// Run on the pool it is running on. Tasks not yet started when ctx is
// cancelled record ctx.Err().
func (p *Pool) Run(ctx context.Context, n int, task func(ctx context.Context, i int) error) []error {
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			for j := i; j < n; j++ {
				errs[j] = ctx.Err()
			}
			wg.Wait()
			return errs
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-p.slots }()
			errs[i] = p.runOne(ctx, i, task)
		}(i)
	}
	wg.Wait()
	return errs
}

func (p *Pool) runOne(ctx context.Context, i int, task func(ctx context.Context, i int) error) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %d panicked: %v\n%s", i, r, debug.Stack())
		}
		atomic.AddInt64(&p.processed, 1)
		if err != nil {
			atomic.AddInt64(&p.failed, 1)
		}
		if p.observer != nil {
			p.observer(p.name, i, err, time.Since(start))
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	return task(ctx, i)
}
