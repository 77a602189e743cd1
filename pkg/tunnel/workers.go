package tunnel

import (
	"context"
	"runtime"

	"github.com/marusama/semaphore/v2"
)

// WorkerPool bounds how many packet seal/open operations run at once. One
// pool is shared by every connection of a server so a burst on one session
// cannot starve the CPU for the others.
type WorkerPool struct {
	sem semaphore.Semaphore
}

// NewWorkerPool creates a pool admitting n concurrent operations. A
// non-positive n uses GOMAXPROCS.
func NewWorkerPool(n int) *WorkerPool {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	return &WorkerPool{sem: semaphore.New(n)}
}

// Do runs fn once a slot is free. It returns ctx.Err() if ctx ends first.
func (p *WorkerPool) Do(ctx context.Context, fn func()) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	fn()
	return nil
}

// Limit returns the configured concurrency.
func (p *WorkerPool) Limit() int {
	return p.sem.GetLimit()
}

// InUse returns how many operations currently hold a slot.
func (p *WorkerPool) InUse() int {
	return p.sem.GetCount()
}
