package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cklxx/nowhow/internal/pipeline"
	"github.com/cklxx/nowhow/internal/queue/memory"
)

func TestWorkerExecutesDequeuedItems(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := &fakeQueue{items: []pipeline.QueueItem{{WorkflowID: "wf-1"}, {WorkflowID: "wf-2"}}}
	exec := &fakeExecutor{}
	go New(queue, exec, zap.NewNop()).Run(ctx)

	require.Eventually(t, func() bool {
		return len(exec.seen()) == 2
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"wf-1", "wf-2"}, exec.seen())
}

func TestWorkerSurvivesPanickingExecution(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := &fakeQueue{items: []pipeline.QueueItem{{WorkflowID: "boom"}, {WorkflowID: "after"}}}
	exec := &fakeExecutor{panicOn: "boom"}
	go New(queue, exec, zap.NewNop()).Run(ctx)

	require.Eventually(t, func() bool {
		return len(exec.seen()) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestWorkerContinuesAfterDequeueError(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := &fakeQueue{
		errs:  []error{errors.New("transient dequeue")},
		items: []pipeline.QueueItem{{WorkflowID: "wf-1"}},
	}
	exec := &fakeExecutor{}
	go New(queue, exec, zap.NewNop()).Run(ctx)

	require.Eventually(t, func() bool {
		return len(exec.seen()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestWorkerStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	q.Close()
	done := make(chan struct{})
	go func() {
		New(q, &fakeExecutor{}, zap.NewNop()).Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue close")
	}
}

type fakeQueue struct {
	mu    sync.Mutex
	errs  []error
	items []pipeline.QueueItem
}

func (q *fakeQueue) Enqueue(_ context.Context, item pipeline.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	return nil
}

func (q *fakeQueue) Dequeue(ctx context.Context) (pipeline.QueueItem, error) {
	q.mu.Lock()
	if len(q.errs) > 0 {
		err := q.errs[0]
		q.errs = q.errs[1:]
		q.mu.Unlock()
		return pipeline.QueueItem{}, err
	}
	if len(q.items) > 0 {
		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		return item, nil
	}
	q.mu.Unlock()
	<-ctx.Done()
	return pipeline.QueueItem{}, ctx.Err()
}

type fakeExecutor struct {
	mu      sync.Mutex
	ids     []string
	panicOn string
}

func (e *fakeExecutor) Execute(_ context.Context, item pipeline.QueueItem) {
	e.mu.Lock()
	e.ids = append(e.ids, item.WorkflowID)
	e.mu.Unlock()
	if item.WorkflowID == e.panicOn {
		panic("executor exploded")
	}
}

func (e *fakeExecutor) seen() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ids...)
}
