// Package pubsub publishes series update notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
)

// Keyed payloads are published with an ordering key so updates of one series
// arrive in order when the subscription enables ordering.
type Keyed interface {
	OrderingKey() string
}

// Config names the topic to publish to.
type Config struct {
	ProjectID string
	TopicName string
	// Ordering enables message ordering on the publisher.
	Ordering bool
}

// Publisher wraps a Pub/Sub topic publisher.
type Publisher struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
	ordering  bool
}

// Open dials Pub/Sub with application default credentials.
func Open(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.ProjectID == "" || cfg.TopicName == "" {
		return nil, errors.New("pubsub project id and topic name are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	p := New(client.Publisher(cfg.TopicName), cfg.Ordering)
	p.client = client
	return p, nil
}

// New wraps an existing topic publisher.
func New(publisher *pubsub.Publisher, ordering bool) *Publisher {
	if publisher != nil {
		publisher.EnableMessageOrdering = ordering
	}
	return &Publisher{publisher: publisher, ordering: ordering}
}

// Publish marshals payload to JSON and waits for the server message id. The
// logical topic travels as the "topic" attribute.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.publisher == nil {
		return "", errors.New("pubsub publisher is not configured")
	}
	msg, err := newMessage(topic, payload, p.ordering)
	if err != nil {
		return "", err
	}
	id, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		if msg.OrderingKey != "" {
			p.publisher.ResumePublish(msg.OrderingKey)
		}
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes pending messages and closes the client when Open created it.
func (p *Publisher) Close() error {
	if p.publisher != nil {
		p.publisher.Stop()
	}
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

func newMessage(topic string, payload any, ordering bool) (*pubsub.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"topic": topic, "content_type": "application/json"},
	}
	if k, ok := payload.(Keyed); ok && ordering {
		msg.OrderingKey = k.OrderingKey()
	}
	return msg, nil
}
