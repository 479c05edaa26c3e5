// Package queue stands in for the task queue named as an assumed external
// capability in §1: a work-dispatch mechanism carrying delivery ids from
// the scheduler to worker goroutines (§9 "Async execution" — the handoff
// carries only the delivery id, never the delivery itself).
package queue

import "context"

// Queue is a bounded channel of delivery ids. It provides no delayed
// execution or persistence: the scheduler is the only producer of delayed
// work (via next_attempt_at), the queue only carries "this id is ready now".
type Queue struct {
	ch chan string
}

// New creates a queue with the given buffer size.
func New(buffer int) *Queue {
	return &Queue{ch: make(chan string, buffer)}
}

// Enqueue submits a delivery id. It blocks if the queue is full, applying
// natural back-pressure to the scheduler tick; it returns ctx.Err() if ctx
// is cancelled first.
func (q *Queue) Enqueue(ctx context.Context, deliveryID string) error {
	select {
	case q.ch <- deliveryID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryEnqueue submits without blocking, reporting false if the queue is full.
func (q *Queue) TryEnqueue(deliveryID string) bool {
	select {
	case q.ch <- deliveryID:
		return true
	default:
		return false
	}
}

// Dequeue blocks until a delivery id is available or ctx is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (string, error) {
	select {
	case id := <-q.ch:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Len reports the number of ids currently buffered.
func (q *Queue) Len() int { return len(q.ch) }
