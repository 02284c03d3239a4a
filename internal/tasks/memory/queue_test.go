package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/backfeed-project/backfeed/internal/tasks"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestDequeueOrdersByETA(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	q := New(clock)

	require.NoError(t, q.Add(ctx, tasks.Task{Queue: "b", ETA: clock.now.Add(-time.Minute)}))
	require.NoError(t, q.Add(ctx, tasks.Task{Queue: "a", ETA: clock.now.Add(-2 * time.Minute)}))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", got.Queue)

	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", got.Queue)
	require.Zero(t, q.Len())
}

func TestDequeueWaitsForDelayedTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	q := New(clock)

	require.NoError(t, q.Add(ctx, tasks.Task{Queue: "later", ETA: clock.now.Add(time.Hour)}))

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(shortCtx)
	require.Error(t, err)
	require.Equal(t, 1, q.Len())

	// once the clock passes the ETA the task becomes visible
	clock.now = clock.now.Add(2 * time.Hour)
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "later", got.Queue)
}

func TestAddWakesBlockedDequeue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	q := New(clock)

	done := make(chan tasks.Task, 1)
	go func() {
		got, err := q.Dequeue(ctx)
		if err == nil {
			done <- got
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Add(ctx, tasks.Task{Queue: "wake"}))

	select {
	case got := <-done:
		require.Equal(t, "wake", got.Queue)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue never woke up")
	}
}

func TestCloseUnblocksDequeue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := New(&fakeClock{now: time.Now()})

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue never returned after close")
	}

	require.Error(t, q.Add(ctx, tasks.Task{Queue: "x"}))
}

func TestCloseUnblocksAllDequeuers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := New(&fakeClock{now: time.Now()})

	const workers = 5
	errCh := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			_, err := q.Dequeue(ctx)
			errCh <- err
		}()
	}

	time.Sleep(20 * time.Millisecond)
	q.Close()
	q.Close() // idempotent

	for i := 0; i < workers; i++ {
		select {
		case err := <-errCh:
			require.Error(t, err)
		case <-time.After(2 * time.Second):
			t.Fatalf("dequeuer %d never returned after close", i)
		}
	}
}
