// Package ringbuffer provides the bounded FIFO queues that sit between the
// pipeline stages.
package ringbuffer

import (
	"errors"
	"sync"
)

// ErrClosed is returned by pushes on a closed buffer.
var ErrClosed = errors.New("queue closed")

// RingBuffer is a concurrent-safe bounded FIFO of items. Writers block while
// it is full and readers block while it is empty.
type RingBuffer[T any] struct {
	buf       []T
	size      int
	readIndex int
	count     int
	closed    bool
	mu        sync.Mutex
	cond      *sync.Cond
	onChange  func(depth int)
}

// New creates a new RingBuffer holding at most size items.
func New[T any](size int) *RingBuffer[T] {
	if size < 1 {
		size = 1
	}
	rb := &RingBuffer[T]{
		buf:  make([]T, size),
		size: size,
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// OnChange registers a callback invoked with the new depth after every push
// and pop. It runs under the buffer lock and must not call back into it.
func (rb *RingBuffer[T]) OnChange(fn func(depth int)) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.onChange = fn
}

// Cap returns the capacity.
func (rb *RingBuffer[T]) Cap() int { return rb.size }

// Len returns the number of queued items.
func (rb *RingBuffer[T]) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Close marks the buffer as closed. Blocked writers fail with ErrClosed,
// readers drain what is left and then see the end of the stream.
func (rb *RingBuffer[T]) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
	rb.cond.Broadcast()
}

// Closed reports whether Close has been called.
func (rb *RingBuffer[T]) Closed() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.closed
}

// Push adds an item, blocking until space is available.
func (rb *RingBuffer[T]) Push(item T) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for !rb.closed && rb.count == rb.size {
		rb.cond.Wait()
	}
	if rb.closed {
		return ErrClosed
	}
	rb.put(item)
	return nil
}

// TryPush adds an item only if there is room. It reports whether the item
// was queued.
func (rb *RingBuffer[T]) TryPush(item T) (bool, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return false, ErrClosed
	}
	if rb.count == rb.size {
		return false, nil
	}
	rb.put(item)
	return true, nil
}

func (rb *RingBuffer[T]) put(item T) {
	rb.buf[(rb.readIndex+rb.count)%rb.size] = item
	rb.count++
	rb.changed()
	rb.cond.Broadcast() // Signal readers that data is available.
}

// Pop removes the oldest item, blocking until one is available. Once the
// buffer is closed and drained it returns ok == false.
func (rb *RingBuffer[T]) Pop() (item T, ok bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for !rb.closed && rb.count == 0 {
		rb.cond.Wait()
	}
	if rb.count == 0 {
		return item, false
	}

	item = rb.buf[rb.readIndex]
	var zero T
	rb.buf[rb.readIndex] = zero
	rb.readIndex = (rb.readIndex + 1) % rb.size
	rb.count--
	rb.changed()
	rb.cond.Broadcast() // Signal writers that space is available.
	return item, true
}

func (rb *RingBuffer[T]) changed() {
	if rb.onChange != nil {
		rb.onChange(rb.count)
	}
}
