package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// ErrTimeout is returned by Future.Get when the deadline elapses before
// the task completes. The task itself is not cancelled.
var ErrTimeout = errors.New("task did not complete within deadline")

// ErrPoolClosed is returned by Submit after the pool has been shut down.
var ErrPoolClosed = errors.New("executor pool is closed")

// DefaultWorkers is the worker count and admission capacity used when the
// caller does not specify one.
const DefaultWorkers = 10

// queueCapacity bounds the backlog of accepted but not yet running tasks.
const queueCapacity = 256

// Task is a unit of file I/O work. It reports success by returning nil.
type Task func() error

// Future is the awaitable result of a submitted task.
type Future struct {
	done chan struct{}
	err  error
}

// Get blocks until the task completes or the timeout elapses. On timeout
// it returns ErrTimeout; the underlying task continues to run and its
// eventual result is discarded.
func (f *Future) Get(timeout time.Duration) error {
	select {
	case <-f.done:
		return f.err
	case <-time.After(timeout):
		return ErrTimeout
	}
}

// Done returns a channel closed when the task has finished.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

type submission struct {
	name   string
	task   Task
	future *Future
}

// Pool is a fixed-size worker pool with a counting admission semaphore.
type Pool struct {
	tasks   chan *submission
	sem     *semaphore.Weighted
	permits atomic.Int64
	workers int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Stats describes the current state of a Pool.
type Stats struct {
	Workers          int   `json:"workers"`
	AvailablePermits int64 `json:"available_permits"`
	QueuedTasks      int   `json:"queued_tasks"`
}

// NewPool creates a pool with the given number of workers. A non-positive
// count selects DefaultWorkers. The admission semaphore capacity always
// equals the worker count.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		tasks:   make(chan *submission, queueCapacity),
		sem:     semaphore.NewWeighted(int64(workers)),
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
	}
	p.permits.Store(int64(workers))

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewPool",
		"workers":  workers,
	}).Info("Task executor initialized")

	return p
}

// Submit queues a task for execution and returns its Future. The name is
// used only for logging. Submit returns ErrPoolClosed after Close.
func (p *Pool) Submit(name string, task Task) (*Future, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	sub := &submission{
		name:   name,
		task:   task,
		future: &Future{done: make(chan struct{})},
	}

	select {
	case p.tasks <- sub:
	case <-p.ctx.Done():
		return nil, ErrPoolClosed
	}

	logrus.WithFields(logrus.Fields{
		"function": "Submit",
		"task":     name,
		"queued":   len(p.tasks),
	}).Debug("Task submitted")

	return sub.future, nil
}

// worker drains the task queue until the pool is closed.
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case sub := <-p.tasks:
			p.run(id, sub)
		}
	}
}

// run executes a single task under an admission permit. The permit is
// acquired before the task body runs, so it is held across any lock
// acquisition the task performs, and it is released in the cleanup path
// no matter how the task ends.
func (p *Pool) run(id int, sub *submission) {
	if err := p.sem.Acquire(p.ctx, 1); err != nil {
		sub.future.err = ErrPoolClosed
		close(sub.future.done)
		return
	}
	p.permits.Add(-1)

	logrus.WithFields(logrus.Fields{
		"function": "run",
		"worker":   id,
		"task":     sub.name,
		"permits":  p.permits.Load(),
	}).Debug("Task started")

	defer func() {
		if r := recover(); r != nil {
			sub.future.err = fmt.Errorf("task panicked: %v", r)
			logrus.WithFields(logrus.Fields{
				"function": "run",
				"worker":   id,
				"task":     sub.name,
				"panic":    r,
			}).Error("Task panicked")
		}

		p.permits.Add(1)
		p.sem.Release(1)
		close(sub.future.done)
	}()

	if err := sub.task(); err != nil {
		sub.future.err = err
		logrus.WithFields(logrus.Fields{
			"function": "run",
			"worker":   id,
			"task":     sub.name,
			"error":    err.Error(),
		}).Warn("Task failed")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "run",
		"worker":   id,
		"task":     sub.name,
	}).Debug("Task completed")
}

// AvailablePermits returns the number of free admission slots.
func (p *Pool) AvailablePermits() int64 {
	return p.permits.Load()
}

// Snapshot returns the pool's current statistics.
func (p *Pool) Snapshot() Stats {
	return Stats{
		Workers:          p.workers,
		AvailablePermits: p.permits.Load(),
		QueuedTasks:      len(p.tasks),
	}
}

// Close stops accepting tasks and signals workers to exit. Tasks already
// running are allowed to finish; queued tasks that never started fail
// their futures with ErrPoolClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	// Fail anything left on the queue.
	for {
		select {
		case sub := <-p.tasks:
			sub.future.err = ErrPoolClosed
			close(sub.future.done)
		default:
			logrus.WithFields(logrus.Fields{
				"function": "Close",
			}).Info("Task executor shut down")
			return
		}
	}
}
