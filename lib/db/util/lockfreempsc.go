// Package util provides a lock-free Multi-Producer Single-Consumer (MPSC) queue implementation.
//
// The queue hands values from any number of producers to exactly one consumer
// goroutine that reads them from the Recv() channel. It is used for work that must
// leave a hot path without blocking it, e.g. the flush requests of the hybrid log
// or the change events delivered to the pub/sub broker.
//
// Features and Guarantees:
//
//   - Lock-Free producers: Push never takes a lock and never blocks
//   - Unbounded Size: the queue can grow as needed, limited only by available memory
//   - O(1) Len: the number of queued values is tracked with an atomic counter
//   - Single Consumer: exactly one goroutine consumes values via Recv()
//   - Per-producer FIFO: values pushed by the same goroutine are received in push order.
//     Values of concurrent producers are ordered by the completion of their Push.
package util

import (
	"runtime"
	"sync/atomic"
)

// node represents a single element in the queue
type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

// LockFreeMPSC is a lock-free multi-producer single-consumer queue.
// Values are appended to a linked list with CAS operations. A background goroutine
// moves them into the unbuffered channel returned by Recv.
type LockFreeMPSC[T any] struct {
	head    atomic.Pointer[node[T]]
	tail    atomic.Pointer[node[T]]
	out     chan T
	wake    chan struct{} // single token, set by producers when the consumer may sleep
	closed  atomic.Bool
	pending atomic.Int64
	pushed  atomic.Uint64
}

// NewLockFreeMPSC creates a new queue and starts its delivery goroutine.
// The channel returned by Recv is closed after Close was called and all queued
// values were delivered.
func NewLockFreeMPSC[T any]() *LockFreeMPSC[T] {
	// the list always starts with a sentinel node
	sentinel := &node[T]{}

	q := &LockFreeMPSC[T]{
		out:  make(chan T),
		wake: make(chan struct{}, 1),
	}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	go q.consume()

	return q
}

// Push adds a value to the queue.
// Returns false if the queue is closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *LockFreeMPSC[T]) Push(value T) bool {
	if q.closed.Load() {
		return false
	}

	newNode := &node[T]{value: value}
	var backoff uint8

	for {
		tailNode := q.tail.Load()
		next := tailNode.next.Load()
		if next == nil {
			if tailNode.next.CompareAndSwap(nil, newNode) {
				// may fail if another producer already helped, tail still moves forward
				q.tail.CompareAndSwap(tailNode, newNode)
				q.pending.Add(1)
				q.pushed.Add(1)
				q.signal()
				return true
			}
		} else {
			// another producer appended but did not move the tail yet
			q.tail.CompareAndSwap(tailNode, next)
		}

		// exponential backoff under contention
		if backoff < 8 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// signal leaves a wake up token for the consumer. The token is sticky, so a
// signal sent before the consumer goes to sleep is never lost.
func (q *LockFreeMPSC[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// consume moves values from the linked list to the output channel
func (q *LockFreeMPSC[T]) consume() {
	defer close(q.out)

	var zero T
	for {
		delivered := false
		for {
			head := q.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}
			delivered = true

			value := next.value
			q.head.Store(next)
			q.out <- value
			q.pending.Add(-1)

			// the new head is the sentinel now, drop the reference for the gc
			next.value = zero
		}

		if !delivered {
			if q.closed.Load() && q.head.Load().next.Load() == nil {
				return
			}
			<-q.wake
		}
	}
}

// Recv returns a receive-only channel for consuming from the queue.
// This allows the queue to be used with the '<-' operator in select statements.
func (q *LockFreeMPSC[T]) Recv() <-chan T {
	return q.out
}

// Close closes the queue, preventing further writes.
// Any values already in the queue will still be delivered to the consumer.
func (q *LockFreeMPSC[T]) Close() {
	q.closed.Store(true)
	q.signal()
}

// IsClosed returns true if the queue is closed.
func (q *LockFreeMPSC[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len returns the number of values that were pushed but not yet received.
func (q *LockFreeMPSC[T]) Len() int {
	return int(q.pending.Load())
}

// Pushed returns the total number of values accepted by Push.
func (q *LockFreeMPSC[T]) Pushed() uint64 {
	return q.pushed.Load()
}
