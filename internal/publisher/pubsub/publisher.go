// Package pubsub publishes search notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
)

// EventAttribute is the message attribute carrying the event name.
const EventAttribute = "event"

// Publisher publishes JSON payloads to a single topic.
type Publisher struct {
	topic *pubsub.Topic
}

// New creates a Publisher for the provided topic.
func New(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// Connect opens a client for projectID and returns a Publisher bound to
// topicName together with a func that flushes and closes everything.
func Connect(ctx context.Context, projectID, topicName string) (*Publisher, func() error, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(topicName)
	closeFn := func() error {
		topic.Stop()
		return client.Close()
	}
	return New(topic), closeFn, nil
}

// Publish marshals the payload to JSON, tags it with the event name and
// waits for the server to acknowledge it.
func (p *Publisher) Publish(ctx context.Context, event string, payload any) (string, error) {
	if p.topic == nil {
		return "", fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{EventAttribute: event},
	}
	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", event, err)
	}
	return id, nil
}
