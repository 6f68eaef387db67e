package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrClosed is returned once the queue has been shut down.
	ErrClosed = errors.New("queue closed")
	// ErrQueueFull is returned by a bounded queue with the reject_new policy.
	ErrQueueFull = errors.New("queue full")
)

// OverflowPolicy decides what a bounded queue does when it is full.
type OverflowPolicy string

const (
	DropOldest OverflowPolicy = "drop_oldest"
	RejectNew  OverflowPolicy = "reject_new"
)

// ParseOverflowPolicy maps a config value onto a policy. Empty means drop_oldest.
func ParseOverflowPolicy(value string) (OverflowPolicy, error) {
	switch OverflowPolicy(value) {
	case "", DropOldest:
		return DropOldest, nil
	case RejectNew:
		return RejectNew, nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q", value)
	}
}

// QueueConfig sizes a queue. Capacity <= 0 means unbounded.
type QueueConfig struct {
	Capacity int
	Overflow OverflowPolicy
}

// Queue is a FIFO with many producers and exactly one consumer. Push never
// blocks; Pop blocks the consumer until an item arrives, the queue is closed
// or the context ends.
type Queue[T any] struct {
	cfg    QueueConfig
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
}

func NewQueue[T any](cfg QueueConfig) *Queue[T] {
	if cfg.Overflow == "" {
		cfg.Overflow = DropOldest
	}
	return &Queue[T]{
		cfg:    cfg,
		signal: make(chan struct{}, 1),
	}
}

// Push appends item. On a full bounded queue it either evicts the oldest
// item (evicted is true) or fails with ErrQueueFull.
func (q *Queue[T]) Push(item T) (evicted bool, err error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, ErrClosed
	}
	if q.cfg.Capacity > 0 && len(q.items) >= q.cfg.Capacity {
		if q.cfg.Overflow == RejectNew {
			q.mu.Unlock()
			return false, ErrQueueFull
		}
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		evicted = true
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.notify()
	return evicted, nil
}

// Pop removes the head of the queue, waiting for one if necessary. Items
// queued before Close are still returned; afterwards Pop reports ErrClosed.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, nil
		}
		if q.closed {
			q.mu.Unlock()
			return zero, ErrClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.signal:
		}
	}
}

// Drain discards everything currently queued and returns how many items were dropped.
func (q *Queue[T]) Drain() int {
	q.mu.Lock()
	n := len(q.items)
	q.items = nil
	q.mu.Unlock()
	return n
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close acts as the shutdown sentinel: it sits behind whatever is queued.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

func (q *Queue[T]) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
