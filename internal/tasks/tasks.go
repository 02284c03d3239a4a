// Package tasks defines the background task model: named queues, delayed
// scheduling, handler dispatch, and retry with backoff.
package tasks

import (
	"context"
	"errors"
	"time"
)

// Queue names. Each maps to one registered handler.
const (
	QueuePoll              = "poll"
	QueuePollNow           = "poll-now"
	QueuePropagate         = "propagate"
	QueuePropagateBlogPost = "propagate-blogpost"
	QueueDiscover          = "discover"
)

// Task is one unit of background work.
type Task struct {
	Queue  string
	Params map[string]string
	// ETA is the earliest time the task should run. Zero means immediately.
	ETA time.Time
	// Attempt counts prior executions, starting at 0.
	Attempt int
}

// Param returns a task parameter or "".
func (t Task) Param(key string) string {
	return t.Params[key]
}

// Queue accepts tasks for later execution.
type Queue interface {
	Add(ctx context.Context, t Task) error
}

// Dequeuer hands out due tasks, blocking until one is available or the
// context ends.
type Dequeuer interface {
	Dequeue(ctx context.Context) (Task, error)
}

// Handler executes one task. A returned error triggers a retry unless it is
// marked permanent.
type Handler func(ctx context.Context, t Task) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error so the dispatcher drops the task instead of
// retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether the error was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
