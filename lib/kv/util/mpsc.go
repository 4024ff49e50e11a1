package util

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// node represents a single element in the queue
type node[T interface{}] struct {
	value *T
	next  atomic.Pointer[node[T]]
}

// MPSCQueue is a lock-free multi-producer single-consumer queue used to hand
// eviction events from the write path to a shard's GC goroutine without
// blocking writers.
//
// Guarantees:
//   - Push is safe from any number of goroutines and never blocks on the
//     consumer.
//   - Exactly one goroutine may consume, via the Recv channel.
//   - No strict FIFO across concurrent producers; ordering follows whichever
//     producer completes its append first.
type MPSCQueue[T interface{}] struct {
	head     atomic.Pointer[node[T]]
	tail     atomic.Pointer[node[T]]
	out      chan *T
	consumer sync.WaitGroup
	closed   atomic.Bool

	mu   sync.Mutex
	cond *sync.Cond
}

// NewMPSCQueue creates a new queue and starts its consumer pump.
func NewMPSCQueue[T interface{}]() *MPSCQueue[T] {
	// sentinel node at the beginning
	sentinel := &node[T]{}

	q := &MPSCQueue[T]{
		out: make(chan *T),
	}

	q.cond = sync.NewCond(&q.mu)

	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	q.consumer.Add(1)
	go q.consume()

	return q
}

// Push adds an item to the queue.
// Returns true if the item was added, or false if the queue is closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *MPSCQueue[T]) Push(value *T) bool {
	if value == nil {
		return false
	}

	if q.closed.Load() {
		return false
	}

	newNode := &node[T]{value: value}

	var backoff uint8 = 0

	for {
		tailNode := q.tail.Load()

		next := tailNode.next.Load()
		if next == nil {
			// the tail has no next node yet, try to append our node
			if tailNode.next.CompareAndSwap(nil, newNode) {
				// appended; the tail CAS may lose to a helping producer,
				// which is fine
				q.tail.CompareAndSwap(tailNode, newNode)

				q.cond.Signal()
				return true
			}
		} else {
			// help a producer that appended but has not updated tail yet
			q.tail.CompareAndSwap(tailNode, next)
		}

		// exponential backoff under contention: spin first, then yield
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// consume moves items from the linked list to the output channel and frees
// the nodes behind them.
func (q *MPSCQueue[T]) consume() {
	defer q.consumer.Done()
	defer close(q.out)

	for {
		hasItems := false

		for {
			head := q.head.Load()
			next := head.next.Load()

			if next == nil {
				break
			}

			hasItems = true

			value := next.value
			q.head.Store(next)

			q.out <- value

			// safe to clear after sending
			next.value = nil
		}

		if !hasItems && q.closed.Load() {
			return
		}

		if !hasItems {
			q.mu.Lock()
			// double-check after acquiring the lock
			head := q.head.Load()
			if head.next.Load() == nil && !q.closed.Load() {
				q.cond.Wait()
			}
			q.mu.Unlock()
		}
	}
}

// Recv returns the receive-only channel for consuming from the queue.
func (q *MPSCQueue[T]) Recv() <-chan *T {
	return q.out
}

// Close closes the queue, preventing further writes. Items already queued are
// still delivered.
func (q *MPSCQueue[T]) Close() {
	q.closed.Store(true)
	q.cond.Signal()
}

// IsClosed returns true if the queue is closed.
func (q *MPSCQueue[T]) IsClosed() bool {
	return q.closed.Load()
}
