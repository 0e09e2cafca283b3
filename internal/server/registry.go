package server

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/asap-run/asap/internal/asaperr"
	"github.com/asap-run/asap/internal/envelope"
)

// HandlerKind distinguishes the two dispatch shapes spec.md §4.8 step 7
// calls for: a synchronous handler runs on the bounded WorkerPool so it
// can never block the pipeline's own goroutine; an asynchronous handler
// is awaited directly since it already yields control via ctx/channels.
type HandlerKind int

const (
	HandlerSync HandlerKind = iota
	HandlerAsync
)

// HandlerFunc processes one validated, authenticated envelope and
// returns the value to marshal into the JSON-RPC result, or an error
// (ideally an *asaperr.Error so the pipeline can map it precisely).
type HandlerFunc func(ctx context.Context, env envelope.Envelope) (any, error)

type registration struct {
	kind HandlerKind
	fn   HandlerFunc
}

// Registry is the closed, payload_type-keyed handler table spec.md §4.8
// step 7 dispatches through. Registration happens once at startup wiring
// time; Dispatch is read-only and safe for concurrent use.
type Registry struct {
	handlers map[envelope.PayloadType]registration
}

// NewRegistry returns an empty registry ready for Register calls.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[envelope.PayloadType]registration)}
}

// Register binds fn to payloadType with the given dispatch kind. A later
// call for the same payloadType replaces the earlier one — registration
// happens at startup wiring, never concurrently with Dispatch.
func (r *Registry) Register(payloadType envelope.PayloadType, kind HandlerKind, fn HandlerFunc) {
	r.handlers[payloadType] = registration{kind: kind, fn: fn}
}

// Dispatch looks up the handler for env's payload_type and runs it,
// routing synchronous handlers through pool so a slow handler can never
// starve the pipeline goroutine that's draining other requests.
func (r *Registry) Dispatch(ctx context.Context, pool *WorkerPool, env envelope.Envelope) (any, error) {
	reg, ok := r.handlers[env.PayloadType()]
	if !ok {
		return nil, asaperr.New(asaperr.CategoryCapability, asaperr.CodeSkillNotFound,
			fmt.Sprintf("no handler registered for payload_type %q", env.PayloadType()))
	}

	if reg.kind == HandlerAsync {
		return reg.fn(ctx, env)
	}
	return pool.Submit(ctx, func() (any, error) { return reg.fn(ctx, env) })
}

// job is one unit of work handed to a WorkerPool goroutine.
type job struct {
	fn     func() (any, error)
	result chan<- jobResult
}

type jobResult struct {
	value any
	err   error
}

// WorkerPool is the bounded executor spec.md §4.8 step 7 requires for
// synchronous handlers: a fixed number of long-lived goroutines, managed
// as one errgroup.Group so the pool's own lifecycle (start, drain, first
// worker error) is reported the same way wstransport's broadcast fan-out
// aggregates concurrent goroutine outcomes — generalized here from a
// one-shot fan-out to a persistent, channel-fed pool.
type WorkerPool struct {
	jobs chan job
	g    *errgroup.Group
}

// NewWorkerPool starts n worker goroutines that run until ctx is
// cancelled or Close is called. n <= 0 is treated as 1.
func NewWorkerPool(ctx context.Context, n int) *WorkerPool {
	if n <= 0 {
		n = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan job)

	for i := 0; i < n; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case j, ok := <-jobs:
					if !ok {
						return nil
					}
					v, err := j.fn()
					j.result <- jobResult{value: v, err: err}
				}
			}
		})
	}

	return &WorkerPool{jobs: jobs, g: g}
}

// Submit enqueues fn and blocks until a worker has run it and produced a
// result, ctx is cancelled, or the pool is closed first.
func (p *WorkerPool) Submit(ctx context.Context, fn func() (any, error)) (any, error) {
	resCh := make(chan jobResult, 1)

	select {
	case p.jobs <- job{fn: fn, result: resCh}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-resCh:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting new jobs and waits for in-flight workers to
// drain. Returns the first non-context-cancellation worker error, if any.
func (p *WorkerPool) Close() error {
	close(p.jobs)
	if err := p.g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}
