package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/cklxx/nowhow/internal/pipeline"
)

// run is the in-memory record of a live workflow. Every mutation happens
// under mu; readers get clones.
type run struct {
	id              string
	mu              sync.Mutex
	wf              pipeline.Workflow
	sources         []pipeline.Source
	cancel          context.CancelFunc
	cancelRequested bool
}

func newRun(wf pipeline.Workflow, sources []pipeline.Source) *run {
	return &run{id: wf.ID, wf: wf, sources: sources}
}

func newProgress() map[pipeline.Stage]pipeline.StageProgress {
	progress := make(map[pipeline.Stage]pipeline.StageProgress, len(pipeline.Stages))
	for _, stage := range pipeline.Stages {
		progress[stage] = pipeline.StageProgress{}
	}
	return progress
}

func (r *run) snapshot() pipeline.Workflow {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wf.Clone()
}

func (r *run) update(fn func(wf *pipeline.Workflow)) pipeline.Workflow {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.wf)
	return r.wf.Clone()
}

// begin moves a pending run to running and records the cancel func that
// Cancel will signal. It reports false when the run was cancelled first.
func (r *run) begin(cancel context.CancelFunc, now time.Time) (pipeline.Workflow, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelRequested || !r.wf.Status.CanTransitionTo(pipeline.StatusRunning) {
		return pipeline.Workflow{}, false
	}
	r.wf.Status = pipeline.StatusRunning
	r.wf.StartedAt = &now
	r.cancel = cancel
	return r.wf.Clone(), true
}

// terminate applies a terminal transition once. Later calls report false.
// A run asked to complete after Cancel already reported success ends
// cancelled instead.
func (r *run) terminate(
	status pipeline.WorkflowStatus,
	werr *pipeline.WorkflowError,
	now time.Time,
) (pipeline.Workflow, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if status == pipeline.StatusCompleted && r.cancelRequested {
		status = pipeline.StatusCancelled
		werr = &pipeline.WorkflowError{Kind: pipeline.KindCancelled, Stage: r.wf.CurrentStage, Message: "cancelled"}
	}
	if !r.wf.Status.CanTransitionTo(status) {
		return pipeline.Workflow{}, false
	}
	r.wf.Status = status
	r.wf.Error = werr
	r.wf.CompletedAt = &now
	for stage, p := range r.wf.Progress {
		p.CurrentItem = ""
		r.wf.Progress[stage] = p
	}
	return r.wf.Clone(), true
}

func (r *run) wasCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelRequested
}

// apply folds one unit event into the stage counters.
func (r *run) apply(evt pipeline.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.wf.Status != pipeline.StatusRunning {
		return
	}
	p := r.wf.Progress[evt.Stage]
	switch evt.Status {
	case pipeline.EventProcessing:
		p.CurrentItem = evt.Unit
	case pipeline.EventCompleted:
		p.Completed++
		p.Produced += evt.Produced
	case pipeline.EventError:
		p.Failed++
		p.Failures = append(p.Failures, pipeline.UnitFailure{
			Unit:    evt.Unit,
			Kind:    evt.ErrKind,
			Message: evt.ErrMessage,
		})
	}
	r.wf.Progress[evt.Stage] = p
}
