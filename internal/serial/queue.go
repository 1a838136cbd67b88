// Package serial provides single-worker FIFO task queues.
//
// Every stateful pipeline stage owns exactly one Queue; tasks submitted to it
// run one at a time in submission order, so the stage needs no further locking.
package serial

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrClosed is returned when work is submitted to a closed queue.
var ErrClosed = errors.New("queue closed")

// Queue runs submitted tasks one at a time, in order, on its own goroutine.
type Queue struct {
	name string
	log  *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []func()
	running bool
	closed  bool
	done    chan struct{}
}

// New starts a queue worker. name is used for logging only.
func New(name string, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		name: name,
		log:  logger,
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.worker()
	return q
}

// Submit appends fn to the queue. It reports false when the queue is closed.
func (q *Queue) Submit(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.pending = append(q.pending, fn)
	q.cond.Signal()
	return true
}

// CancelPending drops every task that has not started yet and returns how many
// were dropped. A task already running is left to finish.
func (q *Queue) CancelPending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	q.pending = nil
	if n > 0 {
		q.log.Debug("queue cancelled pending work", "queue", q.name, "dropped", n)
	}
	return n
}

// Len reports queued plus running tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	if q.running {
		n++
	}
	return n
}

// Close stops accepting work, lets queued tasks drain and waits for the worker.
// It must not be called from a task running on the same queue.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.cond.Broadcast()
	}
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) worker() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.running = true
		q.mu.Unlock()

		q.run(fn)

		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
	}
}

func (q *Queue) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("queue task panicked", "queue", q.name, "panic", r)
		}
	}()
	fn()
}

// Do runs fn on q and waits for its result. If ctx ends first Do returns
// ctx.Err(); fn still runs later unless it was cancelled while pending.
func Do(ctx context.Context, q *Queue, fn func() error) error {
	result := make(chan error, 1)
	if !q.Submit(func() { result <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until every task submitted before the call has run.
func Flush(ctx context.Context, q *Queue) error {
	return Do(ctx, q, func() error { return nil })
}
