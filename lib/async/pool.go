// Package async provides bounded worker pool utilities.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/coachpo/tradesync/errs"
	"github.com/coachpo/tradesync/internal/observability"
)

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// Pool is a bounded worker pool that rejects work instead of blocking when saturated.
type Pool struct {
	name   string
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan job
	logger observability.Logger

	mu      sync.RWMutex
	closed  bool
	pending sync.WaitGroup
	workers sync.WaitGroup
}

type job struct {
	name string
	fn   Task
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(name string, workers, queue int, logger observability.Logger) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:   name,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan job, queue),
		logger: observability.OrDefault(logger),
	}
	p.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules fn. Tasks run with the pool context, which is cancelled when Shutdown
// gives up waiting; the caller context only bounds the enqueue.
func (p *Pool) Submit(ctx context.Context, name string, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit context: %w", err)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"), errs.WithField("pool", p.name))
	}
	p.pending.Add(1)
	select {
	case p.jobs <- job{name: name, fn: fn}:
		return nil
	default:
		p.pending.Done()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool at capacity"), errs.WithField("pool", p.name))
	}
}

// Close stops accepting new tasks; queued tasks still run.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.jobs)
}

// Shutdown closes the pool and waits for queued and in-flight tasks. When ctx expires first
// the task context is cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		p.cancel()
		p.workers.Wait()
		return nil
	}
}

func (p *Pool) worker() {
	defer p.workers.Done()
	for j := range p.jobs {
		p.run(j)
	}
}

func (p *Pool) run(j job) {
	defer p.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("async task panicked",
				observability.F("pool", p.name),
				observability.F("task", j.name),
				observability.F("panic", fmt.Sprint(r)))
		}
	}()
	if err := j.fn(p.ctx); err != nil {
		p.logger.Warn("async task failed",
			observability.F("pool", p.name),
			observability.F("task", j.name),
			observability.F("error", err))
	}
}
