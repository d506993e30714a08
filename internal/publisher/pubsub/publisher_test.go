package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"cloud.google.com/go/pubsub"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type fakeResult struct {
	id  string
	err error
}

func (r fakeResult) Get(context.Context) (string, error) { return r.id, r.err }

type fakeTopic struct {
	msgs []*pubsub.Message
	err  error
}

func (f *fakeTopic) Publish(_ context.Context, msg *pubsub.Message) Result {
	f.msgs = append(f.msgs, msg)
	return fakeResult{id: "msg-1", err: f.err}
}

func TestPublishMarshalsAndInjectsTraceContext(t *testing.T) {
	// Not parallel: swaps the global propagator.
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	topic := &fakeTopic{}
	id, err := NewWithTopic(topic).Publish(ctx, "workflow-events", map[string]string{"workflow_id": "wf-1"})
	require.NoError(t, err)
	require.Equal(t, "msg-1", id)
	require.Len(t, topic.msgs, 1)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(topic.msgs[0].Data, &decoded))
	require.Equal(t, "wf-1", decoded["workflow_id"])
	require.Equal(t, "workflow-events", topic.msgs[0].Attributes["event_topic"])
	require.NotEmpty(t, topic.msgs[0].Attributes["traceparent"])
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "", 1)
	require.Error(t, err)

	_, err = NewWithTopic(&fakeTopic{}).Publish(context.Background(), "", make(chan int))
	require.ErrorContains(t, err, "marshal payload")

	_, err = NewWithTopic(&fakeTopic{err: errors.New("deadline")}).Publish(context.Background(), "", 1)
	require.ErrorContains(t, err, "publish message: deadline")
}
