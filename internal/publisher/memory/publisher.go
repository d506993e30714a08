// Package memory keeps workflow events in process for development and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/cklxx/nowhow/internal/pipeline"
)

// PublishedMessage is one accepted publish. Data holds the JSON body a broker
// would have received.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
	Data    []byte
}

// Publisher records publishes in arrival order.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	failure  error
}

var _ pipeline.Publisher = (*Publisher)(nil)

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes later publishes fail with err until it is called with nil.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	p.failure = err
	p.mu.Unlock()
}

// Publish encodes payload like the broker-backed publishers do and keeps it.
// Payloads that cannot be encoded are rejected.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s event: %w", topic, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failure != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, p.failure)
	}
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Payload: payload, Data: data})
	return id, nil
}

// Messages returns a copy of every recorded publish.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.messages)
}

// Events returns the workflow events published to topic.
func (p *Publisher) Events(topic string) []pipeline.WorkflowEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []pipeline.WorkflowEvent
	for _, m := range p.messages {
		if evt, ok := m.Payload.(pipeline.WorkflowEvent); ok && m.Topic == topic {
			out = append(out, evt)
		}
	}
	return out
}
