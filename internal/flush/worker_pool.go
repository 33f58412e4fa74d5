package flush

import "context"

// workerPool is a fixed-size goroutine pool with a bounded input queue.
// With one worker and capacity one it coalesces: while a job is pending,
// further submits are refused and the pending job covers them.
type workerPool[T any] struct {
	queue   chan T
	process func(ctx context.Context, t T)
	cancel  context.CancelFunc
}

// newWorkerPool creates and starts a pool with n goroutines and queue capacity cap.
// Jobs run on a context detached from ctx, so stopping the pool never aborts
// a job that has already started.
func newWorkerPool[T any](ctx context.Context, n, cap int, fn func(context.Context, T)) *workerPool[T] {
	ctx, cancel := context.WithCancel(ctx)
	p := &workerPool[T]{
		queue:   make(chan T, cap),
		process: fn,
		cancel:  cancel,
	}
	for i := 0; i < n; i++ {
		go p.run(ctx)
	}
	return p
}

func (p *workerPool[T]) run(ctx context.Context) {
	jobCtx := context.WithoutCancel(ctx)
	for {
		select {
		case j := <-p.queue:
			if ctx.Err() != nil {
				return
			}
			p.process(jobCtx, j)
		case <-ctx.Done():
			return
		}
	}
}

// Submit enqueues a job without blocking (returns false if full).
func (p *workerPool[T]) Submit(t T) bool {
	select {
	case p.queue <- t:
		return true
	default:
		return false
	}
}

// Stop tells the workers to exit after their current job. Queued jobs are
// dropped. It does not wait for a running job to finish.
func (p *workerPool[T]) Stop() {
	p.cancel()
}
