package pipeline

import (
	"maps"
	"slices"
	"time"
)

// IsTerminal reports whether no further transitions are allowed.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo enforces pending -> running -> {completed|failed|cancelled}.
// A pending workflow may also be cancelled or failed before it starts.
func (s WorkflowStatus) CanTransitionTo(next WorkflowStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusCancelled || next == StatusFailed
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed || next == StatusCancelled
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Clone returns a deep copy safe to hand to concurrent readers.
func (w Workflow) Clone() Workflow {
	w.Request = w.Request.Clone()
	w.StartedAt = cloneTime(w.StartedAt)
	w.CompletedAt = cloneTime(w.CompletedAt)
	if w.Error != nil {
		e := *w.Error
		w.Error = &e
	}
	if w.Progress != nil {
		progress := make(map[Stage]StageProgress, len(w.Progress))
		for stage, p := range w.Progress {
			p.Failures = slices.Clone(p.Failures)
			progress[stage] = p
		}
		w.Progress = progress
	}
	return w
}

// PercentComplete approximates overall progress from the stage position and
// the unit counters of the current stage.
func (w Workflow) PercentComplete() int {
	if w.Status == StatusCompleted {
		return 100
	}
	if w.Status == StatusPending || w.CurrentStage == "" {
		return 0
	}
	idx := slices.Index(Stages, w.CurrentStage)
	if idx < 0 {
		return 0
	}
	span := 100 / len(Stages)
	pct := idx * span
	if p, ok := w.Progress[w.CurrentStage]; ok && p.Expected > 0 {
		done := p.Completed + p.Failed + p.Skipped
		pct += span * done / p.Expected
	}
	return min(pct, 99)
}

// StageNames returns the stages that have recorded progress, in execution order.
func (w Workflow) StageNames() []Stage {
	keys := slices.Collect(maps.Keys(w.Progress))
	slices.SortFunc(keys, func(a, b Stage) int {
		return slices.Index(Stages, a) - slices.Index(Stages, b)
	})
	return keys
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := *t
	return &ts
}
