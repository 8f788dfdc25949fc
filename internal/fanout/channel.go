package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// DefaultCapacity is the ring size used when none is configured.
const DefaultCapacity = 100

// ErrClosed is returned by Recv once the channel is closed and drained, or
// after the receiver itself was closed.
var ErrClosed = errors.New("fanout channel closed")

// LagError reports values a receiver missed because the ring wrapped.
type LagError struct {
	Skipped uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("receiver lagged by %d messages", e.Skipped)
}

// IsLag reports whether err is a LagError and returns the skipped count.
func IsLag(err error) (uint64, bool) {
	var lag *LagError
	if errors.As(err, &lag) {
		return lag.Skipped, true
	}
	return 0, false
}

// Channel is a bounded single-producer, multi-consumer broadcast ring.
type Channel[T any] struct {
	mu       sync.Mutex
	buf      []T
	capacity uint64
	next     uint64 // sequence number of the next value written
	closed   bool

	// notify is closed and replaced on every state change to wake waiters.
	notify chan struct{}

	receivers int

	// Stats
	totalSent   uint64
	totalLagged uint64
}

// New creates a channel retaining at most capacity values.
func New[T any](capacity int) *Channel[T] {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Channel[T]{
		buf:      make([]T, capacity),
		capacity: uint64(capacity),
		notify:   make(chan struct{}),
	}
}

// Send publishes v to every receiver. Returns false if the channel is closed.
func (c *Channel[T]) Send(v T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	c.buf[c.next%c.capacity] = v
	c.next++
	c.totalSent++
	c.wakeLocked()
	return true
}

// Subscribe returns a receiver that observes values sent from now on.
func (c *Channel[T]) Subscribe() *Receiver[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.receivers++
	return &Receiver[T]{ch: c, pos: c.next}
}

// Close marks the channel closed. Receivers drain what is still buffered for
// them and then get ErrClosed. Close is idempotent.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.wakeLocked()
}

// Closed reports whether Close has been called.
func (c *Channel[T]) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Receivers returns the number of attached receivers.
func (c *Channel[T]) Receivers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receivers
}

// Stats returns channel statistics.
func (c *Channel[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Capacity:    int(c.capacity),
		Receivers:   c.receivers,
		TotalSent:   c.totalSent,
		TotalLagged: c.totalLagged,
		Closed:      c.closed,
	}
}

// Stats contains channel statistics.
type Stats struct {
	Capacity    int
	Receivers   int
	TotalSent   uint64
	TotalLagged uint64 // values skipped across all receivers
	Closed      bool
}

// wakeLocked releases every goroutine blocked in Recv. Must be called with lock held.
func (c *Channel[T]) wakeLocked() {
	close(c.notify)
	c.notify = make(chan struct{})
}

// oldestLocked returns the sequence number of the oldest retained value.
func (c *Channel[T]) oldestLocked() uint64 {
	if c.next < c.capacity {
		return 0
	}
	return c.next - c.capacity
}

// Receiver reads from a Channel. A Receiver must be used by one goroutine.
type Receiver[T any] struct {
	ch       *Channel[T]
	pos      uint64
	detached bool
}

// Recv returns the next value. It blocks until a value is available, ctx is
// done, or the channel is closed and drained. A *LagError is returned once
// per overflow; the following call resumes from the oldest retained value.
func (r *Receiver[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	c := r.ch

	for {
		c.mu.Lock()
		if r.detached {
			c.mu.Unlock()
			return zero, ErrClosed
		}

		if r.pos < c.next {
			if oldest := c.oldestLocked(); r.pos < oldest {
				skipped := oldest - r.pos
				r.pos = oldest
				c.totalLagged += skipped
				c.mu.Unlock()
				return zero, &LagError{Skipped: skipped}
			}

			v := c.buf[r.pos%c.capacity]
			r.pos++
			c.mu.Unlock()
			return v, nil
		}

		if c.closed {
			c.mu.Unlock()
			return zero, ErrClosed
		}

		wait := c.notify
		c.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Close detaches the receiver from its channel. Close is idempotent.
func (r *Receiver[T]) Close() {
	c := r.ch
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.detached {
		return
	}
	r.detached = true
	c.receivers--
	c.wakeLocked()
}
