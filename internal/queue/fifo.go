// Package queue provides the unbounded FIFO used to hand work to a single
// consumer goroutine without ever blocking the producer.
package queue

import "sync"

// FIFO is an unbounded first-in first-out queue with a blocking Pop.
type FIFO[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool
	items    []T
}

func NewFIFO[T any]() *FIFO[T] {
	q := &FIFO[T]{}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Push appends v. It never blocks and reports false once the queue is closed.
func (q *FIFO[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, v)
	q.notEmpty.Signal()
	return true
}

// Pop blocks until an item is available or the queue is closed. Items pushed
// before Close are dropped.
func (q *FIFO[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	var zero T
	if q.closed {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return v, true
}

// Len returns the number of queued items.
func (q *FIFO[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *FIFO[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
