// Package pool provides a fixed-size worker pool with two priority levels
// for controlled build concurrency.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrQueueFull  = errors.New("task queue is full")
)

// Task represents a unit of work.
type Task func(ctx context.Context) error

// WorkerPool runs tasks on a fixed number of workers. Tasks are queued at
// one of two priorities; workers always drain the high queue before picking
// low-priority work, so low-priority tasks can never starve high-priority
// ones. The number of simultaneously executing tasks is capped by the
// worker count regardless of queue depth.
type WorkerPool struct {
	workers int
	high    chan Task
	low     chan Task
	stop    chan struct{}
	closed  atomic.Bool
	wg      sync.WaitGroup

	// Metrics
	active    atomic.Int32
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64

	panicHandler func(any)
}

// Config configures the pool.
type Config struct {
	Workers      int       `json:"workers"`
	QueueSize    int       `json:"queue_size"`
	PanicHandler func(any) `json:"-"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:   4,
		QueueSize: 256,
	}
}

// New creates a pool and starts its workers. baseCtx is passed to every
// task; cancelling it interrupts in-flight work.
func New(baseCtx context.Context, config Config) *WorkerPool {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1
	}
	p := &WorkerPool{
		workers:      config.Workers,
		high:         make(chan Task, config.QueueSize),
		low:          make(chan Task, config.QueueSize),
		stop:         make(chan struct{}),
		panicHandler: config.PanicHandler,
	}
	for i := 0; i < config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(baseCtx)
	}
	return p
}

// Submit enqueues a high-priority task without blocking.
func (p *WorkerPool) Submit(task Task) error {
	return p.submit(p.high, task)
}

// SubmitLow enqueues a low-priority task without blocking.
func (p *WorkerPool) SubmitLow(task Task) error {
	return p.submit(p.low, task)
}

func (p *WorkerPool) submit(queue chan Task, task Task) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	select {
	case queue <- task:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return ErrQueueFull
	}
}

func (p *WorkerPool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		// Drain high-priority work first.
		select {
		case task := <-p.high:
			p.run(ctx, task)
			continue
		default:
		}

		select {
		case task := <-p.high:
			p.run(ctx, task)
		case task := <-p.low:
			p.run(ctx, task)
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *WorkerPool) run(ctx context.Context, task Task) {
	p.active.Add(1)
	err := p.execute(ctx, task)
	p.active.Add(-1)

	if err != nil {
		p.failed.Add(1)
	} else {
		p.completed.Add(1)
	}
}

func (p *WorkerPool) execute(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
			err = errors.New("task panicked")
		}
	}()
	return task(ctx)
}

// Close stops the workers. Queued tasks that have not started are dropped.
func (p *WorkerPool) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.stop)
	p.wg.Wait()
}

// Stats returns pool statistics.
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Workers:    p.workers,
		Active:     int(p.active.Load()),
		QueuedHigh: len(p.high),
		QueuedLow:  len(p.low),
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
		Rejected:   p.rejected.Load(),
	}
}

// Stats contains pool statistics.
type Stats struct {
	Workers    int   `json:"workers"`
	Active     int   `json:"active"`
	QueuedHigh int   `json:"queued_high"`
	QueuedLow  int   `json:"queued_low"`
	Submitted  int64 `json:"submitted"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Rejected   int64 `json:"rejected"`
}
