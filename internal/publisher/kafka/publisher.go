// Package kafka publishes workflow events to Kafka with a synchronous producer.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
)

// Config captures broker connection parameters.
type Config struct {
	Brokers []string
	// ClientID identifies this producer to the cluster.
	ClientID string
	// Timeout bounds each produce request (default 10s).
	Timeout time.Duration
}

// Publisher sends JSON-encoded payloads keyed by workflow ID.
type Publisher struct {
	producer sarama.SyncProducer
}

// New dials the brokers and returns a Publisher.
func New(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("publisher.kafka.brokers is required")
	}
	saramaCfg := NewSaramaConfig(cfg)
	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewWithProducer(producer), nil
}

// NewSaramaConfig builds the producer configuration used by New.
func NewSaramaConfig(cfg Config) *sarama.Config {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Version = sarama.V3_6_0_0
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.Idempotent = true
	saramaCfg.Net.MaxOpenRequests = 1
	saramaCfg.Producer.Retry.Max = 3
	if cfg.ClientID != "" {
		saramaCfg.ClientID = cfg.ClientID
	}
	if cfg.Timeout > 0 {
		saramaCfg.Producer.Timeout = cfg.Timeout
	}
	return saramaCfg
}

// NewWithProducer wraps an existing producer (primarily for testing).
func NewWithProducer(producer sarama.SyncProducer) *Publisher {
	return &Publisher{producer: producer}
}

// Keyed lets payloads choose their partition key.
type Keyed interface {
	PartitionKey() string
}

// Publish sends payload to topic and returns "<partition>:<offset>".
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", errors.New("kafka topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(data),
	}
	if k, ok := payload.(Keyed); ok && k.PartitionKey() != "" {
		msg.Key = sarama.StringEncoder(k.PartitionKey())
	}
	headers := headerCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, headers)
	for key, value := range headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return "", fmt.Errorf("send kafka message: %w", err)
	}
	return strconv.Itoa(int(partition)) + ":" + strconv.FormatInt(offset, 10), nil
}

// Close flushes and closes the producer.
func (p *Publisher) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}

type headerCarrier map[string]string

func (h headerCarrier) Get(key string) string { return h[key] }

func (h headerCarrier) Set(key, value string) { h[key] = value }

func (h headerCarrier) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}
