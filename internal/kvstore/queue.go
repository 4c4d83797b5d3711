package kvstore

import (
	"context"
	"fmt"
	"sync"
)

const defaultQueueDepth = 64

type queuedTask struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// SerialQueue runs submitted tasks one at a time in submission order.
type SerialQueue struct {
	tasks chan queuedTask

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewSerialQueue(depth int) *SerialQueue {
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	q := &SerialQueue{tasks: make(chan queuedTask, depth)}
	q.wg.Add(1)
	go q.run()
	return q
}

// Do enqueues fn and blocks until it has run. A task whose context is
// already done when its turn comes is skipped and reports ctx.Err().
func (q *SerialQueue) Do(ctx context.Context, fn func(context.Context) error) error {
	if q == nil || fn == nil {
		return ErrInvalidInput
	}
	if ctx == nil {
		ctx = context.Background()
	}
	task := queuedTask{ctx: ctx, fn: fn, done: make(chan error, 1)}

	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrQueueClosed
	}
	select {
	case q.tasks <- task:
	case <-ctx.Done():
		q.mu.RUnlock()
		return ctx.Err()
	}
	q.mu.RUnlock()

	// Waiting on ctx here would let the next task start before this one
	// finished its write, so the result is always awaited.
	return <-task.done
}

// Close stops accepting tasks, runs the ones already queued and waits for
// the worker to exit.
func (q *SerialQueue) Close() {
	if q == nil {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *SerialQueue) run() {
	defer q.wg.Done()
	for task := range q.tasks {
		if err := task.ctx.Err(); err != nil {
			task.done <- err
			continue
		}
		task.done <- runTask(task)
	}
}

func runTask(task queuedTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queued task panicked: %v", r)
		}
	}()
	return task.fn(task.ctx)
}
