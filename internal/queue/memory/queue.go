// Package memory provides the bounded in-process workflow queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/cklxx/nowhow/internal/pipeline"
)

// Queue is a bounded FIFO of workflow runs with context-aware dequeue.
type Queue struct {
	ch      chan pipeline.QueueItem
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan pipeline.QueueItem, max(capacity, 1)),
	}
}

// Enqueue appends a run without blocking. A full queue yields
// pipeline.ErrQueueFull so callers can shed load instead of stalling a request.
func (q *Queue) Enqueue(ctx context.Context, item pipeline.QueueItem) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return pipeline.ErrQueueClosed
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return pipeline.ErrQueueFull
	}
}

// Dequeue pops the next run, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (pipeline.QueueItem, error) {
	select {
	case <-ctx.Done():
		return pipeline.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return pipeline.QueueItem{}, pipeline.ErrQueueClosed
		}
		return item, nil
	}
}

// Len reports how many runs are waiting.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown. Runs already queued can
// still be drained.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
