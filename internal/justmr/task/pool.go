// Package task implements the fixed-width worker pool of spec.md §4.2: a
// scoped region that runs submitted work units concurrently up to a
// configured degree, with a process-wide fail flag instead of fine-grained
// cancellation.
//
// Grounded on golang.org/x/sync/errgroup exactly as
// Gizzahub-gzh-cli-gitforge/pkg/repository/bulk.go uses it for its bulk
// git-operation workers: `errgroup.WithContext` + `g.SetLimit(parallel)` +
// per-task `g.Go(func() error { ... })`. spec.md's "fixed-width worker pool
// with work-stealing semantics" is, in that repo's idiom, exactly an
// errgroup with a concurrency limit - the Go scheduler does the stealing
// across the limited set of concurrently-running goroutines.
package task

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Pool is a scoped region of concurrent work (spec.md §4.2: "Shutdown is a
// scoped region: entering the region starts the workers, exiting the region
// drains to quiescence"). A Pool is single-use: call New, submit work with
// Go, then Wait once.
type Pool struct {
	g      *errgroup.Group
	ctx    context.Context
	failed atomic.Bool
}

// New creates a pool of the given concurrency degree. jobs <= 0 means
// unlimited (errgroup's default, no SetLimit call).
func New(ctx context.Context, jobs int) *Pool {
	g, gctx := errgroup.WithContext(ctx)
	if jobs > 0 {
		g.SetLimit(jobs)
	}
	return &Pool{g: g, ctx: gctx}
}

// Context is the context errgroup.WithContext produces. Go and GoErr report
// nil to the errgroup, so a failing task does not cancel it; it is canceled
// when Wait returns.
func (p *Pool) Context() context.Context { return p.ctx }

// Go submits a task. Per spec.md §4.2 tasks "never suspend mid-task - all
// waiting is expressed by re-enqueueing a continuation", so fn is expected
// to run to completion without blocking on another Pool task; it implements
// asyncmap.Scheduler for exactly that reason.
func (p *Pool) Go(fn func()) {
	p.g.Go(func() error {
		fn()
		return nil
	})
}

// GoErr submits a task that can report an error directly to the pool,
// equivalent to calling Fail(err) from inside Go(fn).
func (p *Pool) GoErr(fn func() error) {
	p.g.Go(func() error {
		if err := fn(); err != nil {
			p.Fail(err)
		}
		return nil
	})
}

// Fail flips the process-wide fail flag (spec.md §4.2 "Cancellation... A
// fatal error sets a process-wide fail flag that the driver observes at
// scope exit"). err is otherwise unused by Pool itself - callers observe
// Failed() and their own accumulated diagnostics.
func (p *Pool) Fail(err error) {
	if err == nil {
		return
	}
	p.failed.Store(true)
}

// Failed reports whether Fail has been called. Meant to be checked by
// long-running continuations so they can short-circuit to the error path
// without doing further pointless work (spec.md §4.2's cancellation model:
// "later continuations that check the flag short-circuit to the error
// path").
func (p *Pool) Failed() bool { return p.failed.Load() }

// Wait drains the pool to quiescence - "exiting the region drains to
// quiescence" (§4.2). It never returns a non-nil error itself (tasks
// submitted via Go cannot fail the group); callers should consult Failed().
func (p *Pool) Wait() error {
	return p.g.Wait()
}
