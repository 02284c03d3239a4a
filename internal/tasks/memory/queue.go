// Package memory provides a delayed task queue for local development and
// tests.
package memory

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/backfeed-project/backfeed/internal/bridge"
	"github.com/backfeed-project/backfeed/internal/tasks"
)

// Queue is an in-memory delayed queue. Tasks become visible once their ETA
// passes; ready tasks are handed out in ETA order.
type Queue struct {
	mu     sync.Mutex
	heap   taskHeap
	wake   chan struct{}
	done   chan struct{}
	clock  bridge.Clock
	closed bool
}

// New constructs an empty Queue.
func New(clock bridge.Clock) *Queue {
	return &Queue{
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		clock: clock,
	}
}

// Add schedules a task. A zero ETA means immediately.
func (q *Queue) Add(_ context.Context, t tasks.Task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.New("queue closed")
	}
	if t.ETA.IsZero() {
		t.ETA = q.clock.Now()
	}
	heap.Push(&q.heap, t)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue blocks until a task is due or the context ends.
func (q *Queue) Dequeue(ctx context.Context) (tasks.Task, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return tasks.Task{}, errors.New("queue closed")
		}
		var wait time.Duration
		if len(q.heap) > 0 {
			now := q.clock.Now()
			next := q.heap[0]
			if !next.ETA.After(now) {
				t := heap.Pop(&q.heap).(tasks.Task)
				q.mu.Unlock()
				return t, nil
			}
			wait = next.ETA.Sub(now)
		}
		q.mu.Unlock()

		if wait <= 0 {
			select {
			case <-ctx.Done():
				return tasks.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			case <-q.done:
				return tasks.Task{}, errors.New("queue closed")
			case <-q.wake:
			}
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return tasks.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.done:
			timer.Stop()
			return tasks.Task{}, errors.New("queue closed")
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Len returns the number of pending tasks, due or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Close marks the queue closed and unblocks every pending Dequeue. Safe to
// call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

type taskHeap []tasks.Task

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].ETA.Before(h[j].ETA) }
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)        { *h = append(*h, x.(tasks.Task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}
