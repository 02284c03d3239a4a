// Package pubsub implements a Google Cloud Pub/Sub event publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	gcppubsub "cloud.google.com/go/pubsub"

	"github.com/backfeed-project/backfeed/internal/publisher"
)

// Publisher publishes completion events to one Pub/Sub topic.
type Publisher struct {
	topic *gcppubsub.Topic
}

var _ publisher.Publisher = (*Publisher)(nil)

// New creates a Publisher for the given topic.
func New(topic *gcppubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// Open dials Pub/Sub and returns a Publisher for the named topic along with
// a close function.
func Open(ctx context.Context, projectID, topicName string) (*Publisher, func() error, error) {
	client, err := gcppubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("dial pubsub: %w", err)
	}
	topic := client.Topic(topicName)
	pub := New(topic)
	closer := func() error {
		topic.Stop()
		return client.Close()
	}
	return pub, closer, nil
}

// Publish marshals the event to JSON and publishes it, waiting for the
// server ack.
func (p *Publisher) Publish(ctx context.Context, ev publisher.Event) error {
	if p.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	result := p.topic.Publish(ctx, &gcppubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"kind":        ev.Kind,
			"source_kind": ev.SourceKind,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}
