package tunnel

import "sync"

// queue is an unbounded FIFO with byte accounting. Push never blocks, so the instance loop can
// hand work to I/O goroutines without waiting on them.
type queue[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []T
	size    func(T) int
	bytes   int
	closed  bool
	aborted bool
}

func newQueue[T any](size func(T) int) *queue[T] {
	q := &queue[T]{size: size}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends v. It fails with ErrChannelClosed once the queue is closed or aborted.
func (q *queue[T]) Push(v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.aborted {
		return ErrChannelClosed
	}
	q.items = append(q.items, v)
	q.bytes += q.size(v)
	q.cond.Broadcast()
	return nil
}

// Pop waits for the next item. It returns false once the queue is aborted, or closed and empty.
func (q *queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed && !q.aborted {
		q.cond.Wait()
	}
	var zero T
	if q.aborted || len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	q.bytes -= q.size(v)
	q.cond.Broadcast()
	return v, true
}

// Close stops accepting items; queued items are still delivered.
func (q *queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Abort drops every queued item and wakes all waiters.
func (q *queue[T]) Abort() {
	q.mu.Lock()
	q.aborted = true
	q.items = nil
	q.bytes = 0
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Len returns the queued byte count.
func (q *queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Empty reports whether nothing is queued.
func (q *queue[T]) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// WaitBelow blocks while more than limit bytes are queued. It returns false once the queue
// no longer accepts items.
func (q *queue[T]) WaitBelow(limit int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.bytes > limit && !q.closed && !q.aborted {
		q.cond.Wait()
	}
	return !q.closed && !q.aborted
}
