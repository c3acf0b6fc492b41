// Package workerpool runs background jobs (segment uploads) on a fixed set of
// goroutines behind a bounded queue, so a slow backend never blocks the
// capture path that feeds it.
package workerpool

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/castlink/cast-agent/internal/logging"
)

var log = logging.L("workerpool")

// Task is a unit of work. ctx is cancelled when Shutdown gives up waiting.
type Task func(ctx context.Context)

// Stats counts what the pool has done so far.
type Stats struct {
	Submitted uint64
	Completed uint64
	Rejected  uint64
	Panicked  uint64
	Queued    int
}

// Pool is a bounded goroutine pool with a fixed-size task queue.
type Pool struct {
	name       string
	maxWorkers int
	queue      chan Task
	wg         sync.WaitGroup
	accepting  atomic.Bool
	stopOnce   sync.Once
	closeOnce  sync.Once
	stopChan   chan struct{}

	// mu orders Submit against closing the queue.
	mu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc

	submitted atomic.Uint64
	completed atomic.Uint64
	rejected  atomic.Uint64
	panicked  atomic.Uint64
}

// New creates a pool with maxWorkers goroutines and a task queue of queueSize.
func New(name string, maxWorkers, queueSize int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:       name,
		maxWorkers: maxWorkers,
		queue:      make(chan Task, queueSize),
		stopChan:   make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	p.accepting.Store(true)

	for i := 0; i < maxWorkers; i++ {
		go p.worker()
	}

	log.Info("worker pool started", "pool", name, "workers", maxWorkers, "queueSize", queueSize)
	return p
}

// Submit enqueues a task without blocking. Returns false if the pool is
// stopped or the queue is full.
func (p *Pool) Submit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.accepting.Load() {
		p.rejected.Add(1)
		return false
	}

	// wg.Add before enqueue so Drain cannot miss the task.
	p.wg.Add(1)
	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return true
	default:
		p.wg.Done()
		p.rejected.Add(1)
		log.Warn("worker pool queue full, task rejected", "pool", p.name)
		return false
	}
}

// StopAccepting prevents new tasks from being submitted.
func (p *Pool) StopAccepting() {
	p.accepting.Store(false)
}

// Drain waits for queued and in-flight tasks, bounded by ctx. It stops
// accepting first. Returns false when ctx ended before the work did.
func (p *Pool) Drain(ctx context.Context) bool {
	p.StopAccepting()
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	drained := false
	select {
	case <-done:
		drained = true
		log.Info("worker pool drained", "pool", p.name)
	case <-ctx.Done():
		log.Warn("worker pool drain timed out", "pool", p.name, "queued", len(p.queue))
	}

	p.closeOnce.Do(func() {
		p.mu.Lock()
		close(p.queue)
		p.mu.Unlock()
	})
	return drained
}

// Shutdown drains within ctx and then cancels the context handed to tasks
// still running.
func (p *Pool) Shutdown(ctx context.Context) bool {
	drained := p.Drain(ctx)
	p.cancel()
	return drained
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Rejected:  p.rejected.Load(),
		Panicked:  p.panicked.Load(),
		Queued:    len(p.queue),
	}
}

func (p *Pool) worker() {
	for {
		select {
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			p.runTask(task)
		case <-p.stopChan:
			for {
				select {
				case task, ok := <-p.queue:
					if !ok {
						return
					}
					p.runTask(task)
				default:
					return
				}
			}
		}
	}
}

// runTask executes a single task with panic recovery. wg.Done matches the
// wg.Add in Submit.
func (p *Pool) runTask(task Task) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			log.Error("task panicked", "pool", p.name, "panic", r, "stack", string(debug.Stack()))
			return
		}
		p.completed.Add(1)
	}()
	task(p.ctx)
}
