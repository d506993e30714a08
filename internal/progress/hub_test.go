package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cklxx/nowhow/internal/pipeline"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(pipeline.EventProcessing))
	hub.Emit(sampleEvent(pipeline.EventCompleted))
	require.Eventually(t, func() bool {
		batches := sink.Batches()
		return len(batches) == 1 && len(batches[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(pipeline.EventProcessing))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlockingWithoutConsumers asserts Emit never blocks callers.
func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		events: make(chan pipeline.ProgressEvent),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(sampleEvent(pipeline.EventProcessing))
	hub.Emit(sampleEvent(pipeline.EventProcessing))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(1), hub.Dropped(), "first drop is logged and reset, second is counted")
}

// TestHubFlushOnClose ensures Close drains any buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.Emit(sampleEvent(pipeline.EventCompleted))

	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.True(t, sink.closed)

	hub.Emit(sampleEvent(pipeline.EventCompleted))
	require.Len(t, sink.Batches(), 1, "events after close are ignored")
}

func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)

	bad := sampleEvent(pipeline.EventError)
	bad.ErrKind = ""
	hub.Emit(bad)
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

func TestValidate(t *testing.T) {
	t.Parallel()

	ok := sampleEvent(pipeline.EventCompleted)
	tests := []struct {
		name    string
		mutate  func(*pipeline.ProgressEvent)
		wantErr string
	}{
		{"valid", func(*pipeline.ProgressEvent) {}, ""},
		{"missing workflow", func(e *pipeline.ProgressEvent) { e.WorkflowID = "" }, "workflow id is required"},
		{"missing timestamp", func(e *pipeline.ProgressEvent) { e.At = time.Time{} }, "timestamp is required"},
		{"unknown stage", func(e *pipeline.ProgressEvent) { e.Stage = "publish" }, `unknown stage "publish"`},
		{"unknown status", func(e *pipeline.ProgressEvent) { e.Status = "done" }, `unknown status "done"`},
		{"negative duration", func(e *pipeline.ProgressEvent) { e.Duration = -time.Second }, "duration must be >= 0"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			evt := ok
			tc.mutate(&evt)
			err := Validate(evt)
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.EqualError(t, err, tc.wantErr)
		})
	}
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]pipeline.ProgressEvent
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{}
}

func (s *stubSink) Consume(_ context.Context, batch []pipeline.ProgressEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]pipeline.ProgressEvent(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]pipeline.ProgressEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]pipeline.ProgressEvent, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]pipeline.ProgressEvent(nil), b...)
	}
	return out
}

func sampleEvent(status pipeline.EventStatus) pipeline.ProgressEvent {
	evt := pipeline.ProgressEvent{
		WorkflowID: "wf-1",
		Stage:      pipeline.StageCrawl,
		Unit:       "hn-rss",
		Status:     status,
		At:         time.Now(),
	}
	if status == pipeline.EventError {
		evt.ErrKind = pipeline.KindUnit
		evt.ErrMessage = "boom"
	}
	return evt
}
