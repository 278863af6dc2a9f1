// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package pool implements a fixed-size worker pool with a FIFO task queue.
//
// A [Pool] runs a fixed number of worker goroutines. Tasks submitted to the
// pool are queued in submission order and each is executed by the next free
// worker, so no more than the configured number of tasks ever run at once.
// There is no ordering guarantee between tasks running on different workers.
//
// Each task may carry a reject callback, which the pool invokes instead of the
// task if the pool is shut down before the task is started.
package pool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/creachadair/mds/queue"
	"github.com/creachadair/taskgroup"
)

// ErrShutdown is reported for tasks rejected because the pool is shutting
// down or has shut down.
var ErrShutdown = errors.New("pool is shut down")

type task struct {
	run    func()
	reject func(error)
}

// A Pool is a fixed set of workers executing tasks from a FIFO queue.
// Construct one with [New]. The methods of a Pool are safe for concurrent
// use by multiple goroutines.
type Pool struct {
	workers int
	tasks   *taskgroup.Group

	μ       sync.Mutex
	ready   *sync.Cond // signaled when the queue grows or the pool stops
	queue   *queue.Queue[task]
	busy    int  // number of tasks currently running
	peak    int  // maximum observed value of busy
	stopped bool // no further tasks are accepted
	done    int  // number of tasks completed
}

// New constructs a pool with the specified number of workers and starts
// them. If workers ≤ 0, New panics.
func New(workers int) *Pool {
	if workers <= 0 {
		panic("pool: worker count must be positive")
	}
	p := &Pool{
		workers: workers,
		tasks:   taskgroup.New(nil),
		queue:   queue.New[task](),
	}
	p.ready = sync.NewCond(&p.μ)
	for range workers {
		p.tasks.Go(p.work)
	}
	return p
}

// Workers reports the number of workers in p.
func (p *Pool) Workers() int { return p.workers }

// Submit adds a task to the queue. The run function is called by a worker
// when the task reaches the front of the queue. If the pool is shut down
// without draining before the task starts, reject (if non-nil) is called with
// [ErrShutdown] instead. Submit reports [ErrShutdown] without queuing the task
// if the pool has already been shut down.
func (p *Pool) Submit(run func(), reject func(error)) error {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.stopped {
		return ErrShutdown
	}
	p.queue.Add(task{run: run, reject: reject})
	p.ready.Signal()
	return nil
}

// Shutdown stops p from accepting new tasks and waits for its workers to
// exit.
//
// If drain is true, all tasks already queued are executed before the workers
// exit. Otherwise queued tasks that have not started are rejected with
// [ErrShutdown], and only tasks already running are allowed to finish.
// Shutdown is safe to call more than once.
func (p *Pool) Shutdown(drain bool) {
	p.μ.Lock()
	p.stopped = true
	var rejected []task
	if !drain {
		for !p.queue.IsEmpty() {
			t, _ := p.queue.Pop()
			rejected = append(rejected, t)
		}
	}
	p.ready.Broadcast()
	p.μ.Unlock()

	for _, t := range rejected {
		if t.reject != nil {
			t.reject(ErrShutdown)
		}
	}
	p.tasks.Wait()
}

// Stats is a snapshot of pool activity.
type Stats struct {
	Workers   int // number of workers
	Queued    int // tasks waiting to start
	Busy      int // tasks currently running
	Peak      int // most tasks ever running at once
	Completed int // tasks that have finished running
}

// Stats reports a snapshot of the current activity of p.
func (p *Pool) Stats() Stats {
	p.μ.Lock()
	defer p.μ.Unlock()
	return Stats{
		Workers:   p.workers,
		Queued:    p.queue.Len(),
		Busy:      p.busy,
		Peak:      p.peak,
		Completed: p.done,
	}
}

// work is the main loop of a single worker.
func (p *Pool) work() error {
	for {
		p.μ.Lock()
		for p.queue.IsEmpty() && !p.stopped {
			p.ready.Wait()
		}
		next, ok := p.queue.Pop()
		if !ok {
			p.μ.Unlock()
			return nil // stopped and drained
		}
		p.busy++
		p.peak = max(p.peak, p.busy)
		p.μ.Unlock()

		p.runTask(next)

		p.μ.Lock()
		p.busy--
		p.done++
		p.μ.Unlock()
	}
}

// runTask runs t, turning a panic into a rejection so a worker is never lost.
func (p *Pool) runTask(t task) {
	defer func() {
		if x := recover(); x != nil && t.reject != nil {
			t.reject(&PanicError{Value: x})
		}
	}()
	t.run()
}

// PanicError is passed to the reject callback of a task whose run function
// panicked.
type PanicError struct {
	Value any
}

func (p *PanicError) Error() string { return fmt.Sprintf("task panicked: %v", p.Value) }
