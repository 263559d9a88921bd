package bus

import (
	"context"
	"sync"

	"github.com/wippyai/busbind/errors"
)

// ErrQueueClosed is returned by Pop once a closed queue is drained.
var ErrQueueClosed = errors.Closed(errors.PhaseSignal, "queue")

// Queue is an unbounded FIFO safe for concurrent use. Push never blocks,
// so a slow consumer cannot stall the dispatch goroutine feeding it.
type Queue[T any] struct {
	notify chan struct{}
	items  []T
	mu     sync.Mutex
	closed bool
}

func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{notify: make(chan struct{})}
}

// Push appends v. It returns false if the queue is closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, v)
	close(q.notify)
	q.notify = make(chan struct{})
	return true
}

// Pop removes the oldest item, waiting until one is available, the queue
// is closed and drained, or ctx is done.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, nil
		}
		if q.closed {
			q.mu.Unlock()
			var zero T
			return zero, ErrQueueClosed
		}
		wait := q.notify
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-wait:
		}
	}
}

// TryPop removes the oldest item without waiting.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return v, true
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting items. Items already queued can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.notify)
	q.notify = make(chan struct{})
}

func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
