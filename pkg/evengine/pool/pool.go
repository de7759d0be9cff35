// Package pool provides fixed-size worker pools with bounded queues and
// futures for the work submitted to them.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
)

// Sentinel errors for pool submission.
var (
	// ErrClosed indicates the pool no longer accepts work.
	ErrClosed = errors.New("pool closed")

	// ErrSaturated indicates the pool queue is full.
	ErrSaturated = errors.New("pool saturated")
)

// DefaultQueueSize is used when a pool is created with a non-positive queue size.
const DefaultQueueSize = 10000

// PanicError is produced when a task panics.
type PanicError struct {
	Value any
	Stack []byte
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v\n%s", e.Value, e.Stack)
}

// Pool runs submitted tasks on a fixed set of worker goroutines.
// It is safe for concurrent use.
type Pool struct {
	name    string
	workers int
	tasks   chan func()
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	onPanic func(name string, err *PanicError)
}

// Option configures a Pool.
type Option func(*Pool)

// WithPanicHandler sets a callback for panics escaping raw tasks. Tasks
// submitted through Go never reach it since their panics become results.
func WithPanicHandler(fn func(name string, err *PanicError)) Option {
	return func(p *Pool) {
		p.onPanic = fn
	}
}

// New creates and starts a pool with the given number of workers.
// Non-positive workers default to 1.
func New(name string, workers, queueSize int, opts ...Option) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	p := &Pool{
		name:    name,
		workers: workers,
		tasks:   make(chan func(), queueSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	go func() {
		p.wg.Wait()
		close(p.done)
	}()
	return p
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Size returns the number of workers.
func (p *Pool) Size() int { return p.workers }

// Pending returns the number of queued tasks not yet picked up.
func (p *Pool) Pending() int { return len(p.tasks) }

// Submit queues task without blocking.
// Returns ErrClosed after Close and ErrSaturated when the queue is full.
func (p *Pool) Submit(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrSaturated
	}
}

// Close stops accepting work. Already queued tasks still run.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	close(p.tasks)
}

// Done is closed once every worker has exited after Close.
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// Shutdown closes the pool and waits for queued work to drain.
// Returns the context error if ctx ends first; workers keep draining.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool %s: %w", p.name, ctx.Err())
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil && p.onPanic != nil {
			p.onPanic(p.name, &PanicError{Value: r, Stack: debug.Stack()})
		}
	}()
	task()
}

// Go submits fn to p and returns a future for its result.
// A panic inside fn resolves the future with a *PanicError.
func Go[T any](p *Pool, fn func() (T, error)) (*Future[T], error) {
	f := NewFuture[T]()
	err := p.Submit(func() {
		var (
			v   T
			err error
		)
		defer func() {
			if r := recover(); r != nil {
				var zero T
				f.Resolve(zero, &PanicError{Value: r, Stack: debug.Stack()})
				return
			}
			f.Resolve(v, err)
		}()
		v, err = fn()
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}
