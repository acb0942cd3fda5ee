package pipeline

import "context"

// Queue is a bounded stage-to-stage channel with two push policies.
//
// PushDropOldest serves the frame path: falling behind a live source is
// worse than skipping a frame, so when the queue is full the oldest
// pending item is discarded in favor of the new one. Push serves the
// violation path: confirmed violations are rare and must not be lost, so
// the producer blocks until there is room or the context ends.
type Queue[T any] struct {
	ch chan T
}

func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 32
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// PushDropOldest enqueues without ever blocking the producer. Items
// displaced to make room are handed to onDrop for release.
func (q *Queue[T]) PushDropOldest(v T, onDrop func(T)) {
	for {
		select {
		case q.ch <- v:
			return
		default:
		}
		select {
		case old := <-q.ch:
			if onDrop != nil {
				onDrop(old)
			}
		default:
		}
	}
}

// Push blocks until the item is enqueued or the context ends. Returns
// false only on context cancellation.
func (q *Queue[T]) Push(ctx context.Context, v T) bool {
	select {
	case q.ch <- v:
		return true
	case <-ctx.Done():
		return false
	}
}

// Pop blocks for the next item. Returns false when the queue is closed
// and drained.
func (q *Queue[T]) Pop() (T, bool) {
	v, ok := <-q.ch
	return v, ok
}

// Chan exposes the receive side for select loops.
func (q *Queue[T]) Chan() <-chan T { return q.ch }

// Close signals consumers that no more items will arrive. Only the
// producing stage closes its output queue.
func (q *Queue[T]) Close() { close(q.ch) }

// Len is the number of items currently pending.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Drain empties the queue, releasing every pending item.
func (q *Queue[T]) Drain(release func(T)) {
	for {
		select {
		case v, ok := <-q.ch:
			if !ok {
				return
			}
			if release != nil {
				release(v)
			}
		default:
			return
		}
	}
}
