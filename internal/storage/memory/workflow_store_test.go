package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cklxx/nowhow/internal/pipeline"
)

func TestWorkflowStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewWorkflowStore()
	ctx := context.Background()
	created := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	wf := pipeline.Workflow{
		ID:        "wf-1",
		Status:    pipeline.StatusPending,
		CreatedAt: created,
		Request:   pipeline.StartRequest{SourceIDs: []string{"a"}},
		Progress:  map[pipeline.Stage]pipeline.StageProgress{},
	}
	require.NoError(t, store.SaveWorkflow(ctx, wf))

	wf.Request.SourceIDs[0] = "mutated"
	got, err := store.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.Equal(t, "a", got.Request.SourceIDs[0], "store must keep its own copy")

	got.Status = pipeline.StatusCompleted
	require.NoError(t, store.SaveWorkflow(ctx, got))
	got.Status = pipeline.StatusRunning
	require.NoError(t, store.SaveWorkflow(ctx, got))

	final, err := store.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusCompleted, final.Status, "terminal records are sinks")

	_, err = store.GetWorkflow(ctx, "missing")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestWorkflowStoreListing(t *testing.T) {
	t.Parallel()

	store := NewWorkflowStore()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	statuses := []pipeline.WorkflowStatus{
		pipeline.StatusCompleted, pipeline.StatusRunning, pipeline.StatusPending, pipeline.StatusFailed,
	}
	for i, status := range statuses {
		require.NoError(t, store.SaveWorkflow(ctx, pipeline.Workflow{
			ID:        string(rune('a' + i)),
			Status:    status,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	recent, err := store.ListWorkflows(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "d", recent[0].ID)
	require.Equal(t, "c", recent[1].ID)

	unfinished, err := store.ListUnfinished(ctx)
	require.NoError(t, err)
	require.Len(t, unfinished, 2)
	require.Equal(t, "c", unfinished[0].ID)
	require.Equal(t, "b", unfinished[1].ID)
}
