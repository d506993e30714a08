package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/cklxx/nowhow/internal/pipeline"
)

// WorkflowStore keeps workflow records in process memory for development and tests.
type WorkflowStore struct {
	mu        sync.RWMutex
	workflows map[string]pipeline.Workflow
}

// NewWorkflowStore constructs a WorkflowStore.
func NewWorkflowStore() *WorkflowStore {
	return &WorkflowStore{workflows: make(map[string]pipeline.Workflow)}
}

// SaveWorkflow upserts a record. Terminal records are never overwritten by a
// non-terminal state.
func (s *WorkflowStore) SaveWorkflow(_ context.Context, wf pipeline.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.workflows[wf.ID]; ok && prev.Status.IsTerminal() && !wf.Status.IsTerminal() {
		return nil
	}
	s.workflows[wf.ID] = wf.Clone()
	return nil
}

// GetWorkflow fetches a record by ID.
func (s *WorkflowStore) GetWorkflow(_ context.Context, id string) (pipeline.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return pipeline.Workflow{}, pipeline.ErrNotFound
	}
	return wf.Clone(), nil
}

// ListWorkflows returns up to limit records, newest first.
func (s *WorkflowStore) ListWorkflows(_ context.Context, limit int) ([]pipeline.Workflow, error) {
	s.mu.RLock()
	out := make([]pipeline.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		out = append(out, wf.Clone())
	}
	s.mu.RUnlock()
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListUnfinished returns every pending or running record.
func (s *WorkflowStore) ListUnfinished(_ context.Context) ([]pipeline.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []pipeline.Workflow
	for _, wf := range s.workflows {
		if !wf.Status.IsTerminal() {
			out = append(out, wf.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func sortNewestFirst(wfs []pipeline.Workflow) {
	slices.SortFunc(wfs, func(a, b pipeline.Workflow) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		if a.ID > b.ID {
			return -1
		}
		if a.ID < b.ID {
			return 1
		}
		return 0
	})
}
