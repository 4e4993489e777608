// Package workerpool runs tasks on a bounded number of goroutines fed by a
// bounded FIFO queue.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/cyberinferno/photoremote/logger"
)

var (
	// ErrQueueFull is returned by Submit when the queue has no free slot.
	ErrQueueFull = errors.New("workerpool: queue full")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("workerpool: closed")
)

// Task is one unit of work. ctx is cancelled when the pool closes.
type Task func(ctx context.Context) error

type job struct {
	task Task
	done chan error
}

// Pool executes submitted tasks with at most Workers running at once.
type Pool struct {
	log   logger.Logger
	sem   *semaphore.Weighted
	queue chan job

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New starts a pool. Values below 1 are raised to 1.
//
// Parameters:
//   - workers: Maximum number of tasks running concurrently
//   - queueSize: Number of tasks that may wait for a worker
//   - log: Logger for task panics
//
// Returns:
//   - The running Pool
func New(workers, queueSize int, log logger.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	if log == nil {
		log = logger.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		log:    log,
		sem:    semaphore.NewWeighted(int64(workers)),
		queue:  make(chan job, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	p.wg.Add(1)
	go p.run()

	return p
}

// Submit enqueues task without blocking.
//
// Parameters:
//   - task: The work to run
//
// Returns:
//   - A channel that receives the task result exactly once
//   - ErrQueueFull if no queue slot is free, ErrClosed after Close
func (p *Pool) Submit(task Task) (<-chan error, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, ErrClosed
	}

	j := job{task: task, done: make(chan error, 1)}
	select {
	case p.queue <- j:
		return j.done, nil
	default:
		return nil, ErrQueueFull
	}
}

// Pending returns the number of tasks waiting for a worker.
func (p *Pool) Pending() int {
	return len(p.queue)
}

// Close stops accepting tasks, cancels the context handed to tasks and waits
// until every accepted task has finished. Queued tasks still run and observe
// the cancelled context.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

func (p *Pool) run() {
	defer p.wg.Done()

	for j := range p.queue {
		// Acquire with a background context: after Close the backlog still
		// drains, one worker slot at a time.
		_ = p.sem.Acquire(context.Background(), 1)

		p.wg.Add(1)
		go func(j job) {
			defer p.wg.Done()
			defer p.sem.Release(1)

			j.done <- p.execute(j.task)
		}(j)
	}
}

func (p *Pool) execute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("task panicked", logger.Field{Key: "panic", Value: fmt.Sprint(r)})
			err = fmt.Errorf("workerpool: task panicked: %v", r)
		}
	}()

	return task(p.ctx)
}
