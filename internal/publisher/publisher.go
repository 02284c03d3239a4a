// Package publisher emits completion events when a response or blog post
// finishes webmention delivery.
package publisher

import (
	"context"
	"time"
)

// Event describes one entity that reached a terminal delivery status.
type Event struct {
	// Kind is "response" or "blogpost".
	Kind        string    `json:"kind"`
	ID          string    `json:"id"`
	SourceKind  string    `json:"source_kind"`
	SourceID    string    `json:"source_id"`
	Status      string    `json:"status"`
	Sent        []string  `json:"sent,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Publisher delivers completion events to interested consumers.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}
