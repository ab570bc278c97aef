package util

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// node is a single element of the queue's linked list
type node[T any] struct {
	value *T
	next  atomic.Pointer[node[T]]
}

// LockFreeMPSC is an unbounded multi-producer single-consumer queue.
//
// Producers append to a linked list with compare-and-swap, so Push never
// blocks on other producers. A single internal goroutine moves the items in
// order to the channel returned by Recv. Items pushed by one producer are
// delivered in push order; items of different producers interleave in the
// order their appends succeeded.
type LockFreeMPSC[T any] struct {
	head atomic.Pointer[node[T]]
	tail atomic.Pointer[node[T]]
	out  chan *T

	closed  atomic.Bool
	aborted chan struct{}
	abort   sync.Once

	// the consumer parks on cond when the list is empty
	mu   sync.Mutex
	cond *sync.Cond
}

// NewLockFreeMPSC creates a queue and starts its delivery goroutine
func NewLockFreeMPSC[T any]() *LockFreeMPSC[T] {
	sentinel := &node[T]{}
	q := &LockFreeMPSC[T]{
		out:     make(chan *T),
		aborted: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	go q.deliver()
	return q
}

// Push appends value to the queue. It returns false if value is nil or the
// queue is closed.
//
// Thread-safety: safe for any number of concurrent producers.
func (q *LockFreeMPSC[T]) Push(value *T) bool {
	if value == nil || q.closed.Load() {
		return false
	}

	n := &node[T]{value: value}
	var spins uint8
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if next != nil {
			// another producer appended but has not moved the tail yet
			q.tail.CompareAndSwap(tail, next)
		} else if tail.next.CompareAndSwap(nil, n) {
			q.tail.CompareAndSwap(tail, n)
			q.wake()
			return true
		}

		// back off under contention: spin first, then yield
		if spins < 10 {
			spins++
			for i := 0; i < 1<<spins; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// wake signals the consumer while holding the lock, so a signal sent between
// its emptiness check and its Wait cannot get lost
func (q *LockFreeMPSC[T]) wake() {
	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

// deliver moves items from the list to the out channel until the queue is
// closed and drained, or aborted
func (q *LockFreeMPSC[T]) deliver() {
	defer close(q.out)

	for {
		head := q.head.Load()
		next := head.next.Load()

		if next == nil {
			q.mu.Lock()
			for q.head.Load().next.Load() == nil && !q.closed.Load() {
				q.cond.Wait()
			}
			empty := q.head.Load().next.Load() == nil
			q.mu.Unlock()
			if empty {
				return // closed and drained
			}
			continue
		}

		value := next.value
		q.head.Store(next)
		select {
		case q.out <- value:
		case <-q.aborted:
			return
		}
		next.value = nil
	}
}

// Recv returns the channel the items are delivered on. The channel is closed
// once the queue is closed and all items were delivered, or it was aborted.
func (q *LockFreeMPSC[T]) Recv() <-chan *T {
	return q.out
}

// Close stops accepting new items. Items already queued are still delivered.
func (q *LockFreeMPSC[T]) Close() {
	q.closed.Store(true)
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Abort closes the queue and drops all undelivered items. It releases the
// delivery goroutine even if nobody reads from Recv anymore.
func (q *LockFreeMPSC[T]) Abort() {
	q.abort.Do(func() { close(q.aborted) })
	q.Close()
}

// IsClosed reports whether the queue was closed
func (q *LockFreeMPSC[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len counts the queued items. It is O(n) and meant for metrics and tests.
func (q *LockFreeMPSC[T]) Len() int {
	count := 0
	for n := q.head.Load().next.Load(); n != nil; n = n.next.Load() {
		count++
	}
	return count
}
