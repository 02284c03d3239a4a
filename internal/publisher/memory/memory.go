// Package memory provides an in-process event publisher for local
// development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/backfeed-project/backfeed/internal/publisher"
)

// Publisher records published events.
type Publisher struct {
	mu     sync.Mutex
	events []publisher.Event
}

var _ publisher.Publisher = (*Publisher)(nil)

// New constructs an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish appends the event.
func (p *Publisher) Publish(_ context.Context, ev publisher.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

// Events returns a copy of everything published so far.
func (p *Publisher) Events() []publisher.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publisher.Event(nil), p.events...)
}
