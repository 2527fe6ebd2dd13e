package download

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

type work func(ctx context.Context)

// workerPool bounds the number of chunk workers running at once across every
// download. Work waits for a slot instead of queueing behind a channel so a
// cancelled run gives up its place immediately.
type workerPool struct {
	sem    *semaphore.Weighted
	size   int64
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newWorkerPool(size int) *workerPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &workerPool{
		sem:    semaphore.NewWeighted(int64(size)),
		size:   int64(size),
		ctx:    ctx,
		cancel: cancel,
	}
}

// root is the context every run derives from; it is cancelled on forced
// shutdown.
func (p *workerPool) root() context.Context {
	return p.ctx
}

// run blocks until a slot is free, then executes w on the calling goroutine.
func (p *workerPool) run(ctx context.Context, w work) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrShutdown
	}
	p.wg.Add(1)
	p.mu.Unlock()
	defer p.wg.Done()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	w(ctx)
	return nil
}

// close stops accepting work.
func (p *workerPool) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *workerPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// wait blocks until all submitted work has returned or timeout elapses,
// reporting whether the pool drained.
func (p *workerPool) wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// terminate cancels the root context, interrupting every running worker.
func (p *workerPool) terminate() {
	p.cancel()
}
