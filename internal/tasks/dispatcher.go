package tasks

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/backfeed-project/backfeed/internal/bridge"
	"github.com/backfeed-project/backfeed/internal/logging"
	"github.com/backfeed-project/backfeed/internal/telemetry"
)

// WorkQueue is a queue that can both accept and hand out tasks.
type WorkQueue interface {
	Queue
	Dequeuer
}

// Dispatcher fans out queued tasks to a pool of workers, routing each task
// to the handler registered for its queue name.
type Dispatcher struct {
	queue    WorkQueue
	handlers map[string]Handler
	policy   *ExponentialRetryPolicy
	workers  int
	clock    bridge.Clock
	logger   *zap.Logger
}

// NewDispatcher creates a Dispatcher with the given worker count.
func NewDispatcher(queue WorkQueue, policy *ExponentialRetryPolicy, workers int, clock bridge.Clock, logger *zap.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		queue:    queue,
		handlers: make(map[string]Handler),
		policy:   policy,
		workers:  workers,
		clock:    clock,
		logger:   logger,
	}
}

// Handle registers the handler for a queue name. Must be called before Run.
func (d *Dispatcher) Handle(queue string, h Handler) {
	d.handlers[queue] = h
}

// Run starts the worker pool and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.loop(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
}

func (d *Dispatcher) loop(ctx context.Context) {
	for {
		t, err := d.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		d.process(ctx, t)
	}
}

func (d *Dispatcher) process(ctx context.Context, t Task) {
	handler, ok := d.handlers[t.Queue]
	if !ok {
		d.logger.Error("no handler for queue", zap.String("queue", t.Queue))
		telemetry.ObserveTask(t.Queue, "dropped")
		return
	}

	telemetry.IncActiveWorkers()
	err := handler(ctx, t)
	telemetry.DecActiveWorkers()

	if err == nil {
		telemetry.ObserveTask(t.Queue, "ok")
		return
	}

	if d.policy.ShouldRetry(err, t.Attempt) {
		backoff := d.policy.Backoff(t.Attempt)
		d.logger.Warn("task failed, retrying",
			zap.String("queue", t.Queue),
			zap.Int("attempt", t.Attempt),
			zap.Duration("backoff", backoff),
			zap.String("error", logging.Scrub(err.Error())))
		retry := t
		retry.Attempt++
		retry.ETA = d.clock.Now().Add(backoff)
		if err := d.queue.Add(ctx, retry); err != nil {
			d.logger.Error("requeue failed", zap.String("queue", t.Queue), zap.Error(err))
			telemetry.ObserveTask(t.Queue, "lost")
			return
		}
		telemetry.ObserveTask(t.Queue, "retried")
		return
	}

	d.logger.Error("task failed permanently",
		zap.String("queue", t.Queue),
		zap.Int("attempt", t.Attempt),
		zap.String("error", logging.Scrub(err.Error())))
	telemetry.ObserveTask(t.Queue, "failed")
}
