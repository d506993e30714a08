// Package pubsub implements a Google Cloud Pub/Sub publisher for workflow events.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
)

// Topic is the slice of *pubsub.Topic the publisher needs.
type Topic interface {
	Publish(ctx context.Context, msg *pubsub.Message) Result
}

// Result resolves a publish to its server-assigned ID.
type Result interface {
	Get(ctx context.Context) (string, error)
}

// Publisher wraps a Pub/Sub topic.
type Publisher struct {
	topic Topic
}

// New creates a Publisher for an existing topic handle.
func New(topic *pubsub.Topic) *Publisher {
	if topic == nil {
		return &Publisher{}
	}
	return &Publisher{topic: topicAdapter{topic}}
}

// NewWithTopic wraps any Topic implementation (primarily for testing).
func NewWithTopic(topic Topic) *Publisher {
	return &Publisher{topic: topic}
}

// Publish marshals payload to JSON, injects the trace context into the
// message attributes, and waits for the server ack. The topic argument is
// recorded as an attribute; routing is fixed by the topic handle.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.topic == nil {
		return "", errors.New("pubsub topic is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: map[string]string{}}
	if topic != "" {
		msg.Attributes["event_topic"] = topic
	}
	otel.GetTextMapPropagator().Inject(ctx, &carrier{attrs: msg.Attributes})

	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

type topicAdapter struct {
	t *pubsub.Topic
}

func (a topicAdapter) Publish(ctx context.Context, msg *pubsub.Message) Result {
	return a.t.Publish(ctx, msg)
}

// carrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type carrier struct {
	attrs map[string]string
}

func (c *carrier) Get(key string) string {
	return c.attrs[key]
}

func (c *carrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *carrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
