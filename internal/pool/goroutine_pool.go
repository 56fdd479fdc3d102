// Package pool bounds how many workflow executions run at once and pools
// request buffers.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task represents a unit of work.
type Task func(ctx context.Context)

// GoroutinePool runs tasks on at most MaxWorkers goroutines. Tasks beyond
// that wait in a bounded queue; Submit rejects when the queue is full.
type GoroutinePool struct {
	mu     sync.Mutex
	queue  chan queued
	closed bool
	wg     sync.WaitGroup

	maxWorkers   int
	workers      atomic.Int32
	active       atomic.Int32
	panicHandler func(any)

	submitted atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
	panicked  atomic.Int64
}

type queued struct {
	ctx  context.Context
	task Task
}

// GoroutinePoolConfig configures the pool.
type GoroutinePoolConfig struct {
	MaxWorkers   int       `json:"max_workers"`
	QueueSize    int       `json:"queue_size"`
	PanicHandler func(any) `json:"-"`
}

// DefaultGoroutinePoolConfig returns sensible defaults.
func DefaultGoroutinePoolConfig() GoroutinePoolConfig {
	return GoroutinePoolConfig{
		MaxWorkers: 100,
		QueueSize:  1000,
	}
}

// NewGoroutinePool creates a new goroutine pool.
func NewGoroutinePool(config GoroutinePoolConfig) *GoroutinePool {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 1
	}
	if config.QueueSize < 0 {
		config.QueueSize = 0
	}
	return &GoroutinePool{
		queue:        make(chan queued, config.QueueSize),
		maxWorkers:   config.MaxWorkers,
		panicHandler: config.PanicHandler,
	}
}

// Submit schedules task without blocking. It returns ErrPoolFull when every
// worker is busy and the queue has no room.
func (p *GoroutinePool) Submit(ctx context.Context, task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	p.submitted.Add(1)

	item := queued{ctx: ctx, task: task}

	// Start a fresh worker before queueing so an idle slot is used right away.
	if int(p.workers.Load()) < p.maxWorkers {
		p.workers.Add(1)
		p.wg.Add(1)
		go p.worker(item)
		return nil
	}

	select {
	case p.queue <- item:
		return nil
	default:
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

func (p *GoroutinePool) worker(first queued) {
	defer p.wg.Done()
	p.run(first)

	for {
		select {
		case item, ok := <-p.queue:
			if !ok {
				p.workers.Add(-1)
				return
			}
			p.run(item)
		default:
			// Re-check under the lock so Submit never sees a worker count
			// that is about to drop while the queue still has items.
			p.mu.Lock()
			if len(p.queue) > 0 {
				p.mu.Unlock()
				continue
			}
			p.workers.Add(-1)
			p.mu.Unlock()
			return
		}
	}
}

func (p *GoroutinePool) run(item queued) {
	p.active.Add(1)
	defer p.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
		}
		p.completed.Add(1)
	}()
	item.task(item.ctx)
}

// Close stops accepting tasks, runs whatever is queued and waits for all
// workers to return.
func (p *GoroutinePool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	// Workers that exited early may leave queued items behind.
	for item := range p.queue {
		p.run(item)
	}
	p.wg.Wait()
}

// Stats returns pool statistics.
func (p *GoroutinePool) Stats() GoroutinePoolStats {
	return GoroutinePoolStats{
		Workers:   int(p.workers.Load()),
		Active:    int(p.active.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Rejected:  p.rejected.Load(),
		Panicked:  p.panicked.Load(),
	}
}

// GoroutinePoolStats contains pool statistics.
type GoroutinePoolStats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Rejected  int64 `json:"rejected"`
	Panicked  int64 `json:"panicked"`
}
