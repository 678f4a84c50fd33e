// Package serial provides the single execution context that owns all
// connection and transfer state of a local peer.
package serial

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when work is submitted to a closed queue.
var ErrClosed = errors.New("serial queue closed")

// Executor runs closures one at a time, in submission order.
type Executor interface {
	// Post schedules fn. It never blocks and never runs fn inline. It
	// returns false if fn was dropped because the executor is closed.
	Post(fn func()) bool
}

// Queue is an Executor backed by a single goroutine draining an unbounded
// FIFO. Posting from inside a running task is allowed.
// All methods are safe for concurrent use.
type Queue struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool

	// wake has capacity 1 and coalesces notifications.
	wake    chan struct{}
	stopped chan struct{}
	started bool
}

// NewQueue creates a queue. Call Start to begin running tasks.
func NewQueue() *Queue {
	return &Queue{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// Start launches the worker goroutine. It is safe to call Start once.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	go q.run()
}

// Post implements Executor. Tasks posted after Close are dropped.
func (q *Queue) Post(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Do posts fn and waits until it has run, the context is done, or the
// queue is closed. Do must not be called from a task running on q.
func (q *Queue) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.tasks = append(q.tasks, func() {
		defer close(done)
		fn()
	})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.stopped:
		// The task may still have run during the final drain.
		select {
		case <-done:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Close stops accepting tasks, runs the tasks already queued, and waits
// for the worker to exit. It is safe to call Close multiple times.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		started := q.started
		q.mu.Unlock()
		if started {
			<-q.stopped
		}
		return
	}
	q.closed = true
	started := q.started
	q.mu.Unlock()

	if !started {
		close(q.stopped)
		return
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.stopped
}

func (q *Queue) run() {
	defer close(q.stopped)

	for {
		q.mu.Lock()
		tasks := q.tasks
		q.tasks = nil
		closed := q.closed
		q.mu.Unlock()

		for _, task := range tasks {
			task()
		}

		if len(tasks) > 0 {
			continue
		}
		if closed {
			return
		}
		<-q.wake
	}
}
