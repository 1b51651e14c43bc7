package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrPoolClosed is returned by Submit after Shutdown
var ErrPoolClosed = errors.New("worker pool shut down")

// SafeGo executes a function in a goroutine with:
// - Context cancellation support
// - Panic recovery
// - Timeout enforcement
// - Error logging
//
// Use this instead of bare `go func()` to prevent goroutine leaks and crashes.
//
// Example:
//
//	SafeGo(ctx, logger, 5*time.Second, "cache warm-up", func(ctx context.Context) error {
//	    return resolver.Warm(ctx, userID, orgID)
//	})
func SafeGo(parentCtx context.Context, logger logrus.FieldLogger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logger.WithField("task", taskName).Errorf("panic: %v\n%s", r, string(debug.Stack()))
			}
		}()

		if err := fn(ctx); err != nil {
			logger.WithField("task", taskName).WithError(err).Warn("Background task failed")
		}
	}()
}

// WorkerPool manages a pool of workers that process tasks from a channel.
// Provides graceful shutdown, error collection and a way to wait for the
// queue to drain.
type WorkerPool struct {
	workers  int
	taskName string
	timeout  time.Duration
	logger   logrus.FieldLogger

	workCh  chan func(context.Context) error
	doneCh  chan struct{}
	closing chan struct{}
	errCh   chan error
	ctx     context.Context
	cancel  context.CancelFunc

	mu           sync.RWMutex
	closed       bool
	shutdownOnce sync.Once

	// pending counts submitted tasks not yet finished; idle is closed
	// whenever pending is zero
	pendingMu sync.Mutex
	pending   int
	idle      chan struct{}
}

// NewWorkerPool creates a new worker pool.
//
// Example:
//
//	pool := NewWorkerPool(ctx, logger, 4, "cache eviction", 5*time.Second, 256)
//	defer pool.Shutdown(5 * time.Second)
//
//	pool.Submit(ctx, func(ctx context.Context) error {
//	    return evict(ctx, key)
//	})
func NewWorkerPool(ctx context.Context, logger logrus.FieldLogger, workers int, taskName string, timeout time.Duration, queueSize int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 2
	}
	ctx, cancel := context.WithCancel(ctx)

	pool := &WorkerPool{
		workers:  workers,
		taskName: taskName,
		timeout:  timeout,
		logger:   logger.WithField("pool", taskName),
		workCh:   make(chan func(context.Context) error, queueSize),
		doneCh:   make(chan struct{}),
		closing:  make(chan struct{}),
		errCh:    make(chan error, workers*10),
		ctx:      ctx,
		cancel:   cancel,
		idle:     make(chan struct{}),
	}
	close(pool.idle)

	go func() {
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				pool.worker(id)
			}(i)
		}
		wg.Wait()
		close(pool.doneCh)
	}()

	return pool
}

// Submit queues a task, blocking while the queue is full.
// Returns ErrPoolClosed once Shutdown has begun, or ctx.Err() if ctx ends first.
func (p *WorkerPool) Submit(ctx context.Context, fn func(context.Context) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	p.begin()
	select {
	case p.workCh <- fn:
		return nil
	case <-ctx.Done():
		p.finish()
		return ctx.Err()
	case <-p.closing:
		p.finish()
		return ErrPoolClosed
	case <-p.ctx.Done():
		p.finish()
		return ErrPoolClosed
	}
}

// Wait blocks until every submitted task has finished or the timeout passes.
// Returns false on timeout.
func (p *WorkerPool) Wait(timeout time.Duration) bool {
	p.pendingMu.Lock()
	idle := p.idle
	p.pendingMu.Unlock()

	select {
	case <-idle:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (p *WorkerPool) begin() {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	if p.pending == 0 {
		p.idle = make(chan struct{})
	}
	p.pending++
}

func (p *WorkerPool) finish() {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	p.pending--
	if p.pending == 0 {
		close(p.idle)
	}
}

// Shutdown gracefully shuts down the worker pool.
// Waits up to timeout for workers to finish queued tasks.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	var shutdownErr error

	p.shutdownOnce.Do(func() {
		// Release submitters blocked on a full queue before taking the lock
		close(p.closing)
		p.mu.Lock()
		p.closed = true
		close(p.workCh)
		p.mu.Unlock()

		select {
		case <-p.doneCh:
			p.cancel()
		case <-time.After(timeout):
			p.cancel()
			shutdownErr = fmt.Errorf("worker pool shutdown timed out after %v", timeout)
		}
	})

	return shutdownErr
}

// Errors returns a channel that receives worker errors.
// Non-blocking, use select to check for errors.
func (p *WorkerPool) Errors() <-chan error {
	return p.errCh
}

func (p *WorkerPool) worker(id int) {
	for {
		select {
		case <-p.ctx.Done():
			return

		case fn, ok := <-p.workCh:
			if !ok {
				return
			}
			p.run(id, fn)
		}
	}
}

func (p *WorkerPool) run(id int, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()
	defer p.finish()
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithField("worker", id).Errorf("panic: %v\n%s", r, string(debug.Stack()))
			p.report(fmt.Errorf("panic: %v", r))
		}
	}()

	if err := fn(ctx); err != nil {
		p.report(err)
	}
}

func (p *WorkerPool) report(err error) {
	select {
	case p.errCh <- err:
	default:
		p.logger.WithError(err).Warn("Error channel full, dropping error")
	}
}
