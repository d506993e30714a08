package workflow

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cklxx/nowhow/internal/metrics"
	"github.com/cklxx/nowhow/internal/pipeline"
	"github.com/cklxx/nowhow/internal/stage"
)

// errShutdown marks a run interrupted because its worker is stopping.
var errShutdown = errors.New("interrupted by shutdown")

// Execute runs one dequeued workflow to a terminal state.
func (o *Orchestrator) Execute(ctx context.Context, item pipeline.QueueItem) {
	r := o.lookup(item.WorkflowID)
	if r == nil {
		o.logger.Warn("dequeued unknown workflow", zap.String("workflow_id", item.WorkflowID))
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	wf, ok := r.begin(cancel, o.deps.Clock.Now())
	if !ok {
		o.logger.Debug("skipping workflow that is no longer pending", zap.String("workflow_id", item.WorkflowID))
		return
	}
	if o.cfg.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, o.cfg.Timeout)
		defer cancelTimeout()
	}

	runCtx, span := o.tracer.Start(runCtx, "workflow.execute", trace.WithAttributes(
		attribute.String("workflow.id", wf.ID),
		attribute.String("workflow.topic", wf.Topic),
	))
	defer span.End()

	if err := o.persist(runCtx, wf); err != nil {
		o.logger.Error("mark workflow running failed", zap.String("workflow_id", wf.ID), zap.Error(err))
		o.finish(ctx, r, pipeline.StatusFailed, &pipeline.WorkflowError{
			Kind:    pipeline.KindStorage,
			Message: err.Error(),
		}, "")
		return
	}

	metrics.IncRunning()
	defer metrics.DecRunning()
	o.logger.Info("workflow started",
		zap.String("workflow_id", wf.ID),
		zap.Duration("queued_for", wf.StartedAt.Sub(item.Submitted)),
	)

	err := o.runStages(runCtx, r)
	if err == nil {
		span.SetStatus(codes.Ok, "")
		o.finish(ctx, r, pipeline.StatusCompleted, nil, "")
		return
	}
	if ctx.Err() != nil && !r.wasCancelled() {
		err = fmt.Errorf("%w: %w", errShutdown, err)
	}
	status, werr := o.classify(r, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, werr.Message)
	o.finish(ctx, r, status, werr, "")
}

// classify maps a run error onto the terminal status and recorded cause.
func (o *Orchestrator) classify(r *run, err error) (pipeline.WorkflowStatus, *pipeline.WorkflowError) {
	current := r.snapshot().CurrentStage
	werr := &pipeline.WorkflowError{Kind: pipeline.KindOf(err), Stage: current, Message: err.Error()}
	var serr *pipeline.StageError
	if errors.As(err, &serr) {
		werr.Stage = serr.Stage
	}
	switch {
	case errors.Is(err, errShutdown):
		werr.Kind = pipeline.KindCancelled
		return pipeline.StatusFailed, werr
	case errors.Is(err, context.Canceled) && r.wasCancelled():
		werr.Kind = pipeline.KindCancelled
		werr.Message = "cancelled"
		return pipeline.StatusCancelled, werr
	case errors.Is(err, context.DeadlineExceeded):
		werr.Kind = pipeline.KindTimeout
		werr.Message = "workflow deadline exceeded"
	}
	return pipeline.StatusFailed, werr
}

// finish applies the terminal transition, exports articles of a completed
// run, persists the record, and publishes the workflow event. Only the first
// call for a run has any effect.
func (o *Orchestrator) finish(
	ctx context.Context,
	r *run,
	status pipeline.WorkflowStatus,
	werr *pipeline.WorkflowError,
	exportURI string,
) {
	ctx = context.WithoutCancel(ctx)
	wf, ok := r.terminate(status, werr, o.deps.Clock.Now())
	if !ok {
		return
	}
	status, werr = wf.Status, wf.Error
	if status == pipeline.StatusCompleted {
		exportURI = o.export(ctx, wf)
	}
	if err := o.persist(ctx, wf); err != nil {
		o.logger.Error("persist terminal workflow failed", zap.String("workflow_id", wf.ID), zap.Error(err))
	}
	o.forget(wf.ID)
	metrics.ObserveWorkflow(string(status))
	o.publish(ctx, wf, exportURI)

	fields := []zap.Field{
		zap.String("workflow_id", wf.ID),
		zap.String("status", string(status)),
		zap.Int("crawled", wf.Summary.Crawled),
		zap.Int("processed", wf.Summary.Processed),
		zap.Int("articles", wf.Summary.ArticlesGenerated),
	}
	if werr != nil {
		fields = append(fields,
			zap.String("error_kind", string(werr.Kind)),
			zap.String("stage", string(werr.Stage)),
			zap.String("error", werr.Message),
		)
	}
	o.logger.Info("workflow finished", fields...)
}

// export failures are logged and never fail the workflow.
func (o *Orchestrator) export(ctx context.Context, wf pipeline.Workflow) string {
	if o.deps.Exporter == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.PersistTimeout)
	defer cancel()
	articles, err := o.deps.Content.GetArticles(ctx, wf.ID)
	if err != nil {
		o.logger.Warn("load articles for export failed", zap.String("workflow_id", wf.ID), zap.Error(err))
		return ""
	}
	uri, err := o.deps.Exporter.Export(ctx, wf, articles)
	if err != nil {
		o.logger.Warn("export articles failed", zap.String("workflow_id", wf.ID), zap.Error(err))
		return ""
	}
	o.logger.Info("exported articles",
		zap.String("workflow_id", wf.ID),
		zap.String("uri", uri),
		zap.Int("articles", len(articles)),
	)
	return uri
}

func (o *Orchestrator) runStages(ctx context.Context, r *run) error {
	fingerprints, err := o.crawl(ctx, r)
	if err != nil {
		return err
	}
	kept, err := o.process(ctx, r, fingerprints)
	if err != nil {
		return err
	}
	wf := r.snapshot()
	groups := o.groupByCategory(wf, kept)
	research, err := o.research(ctx, r, groups)
	if err != nil {
		return err
	}
	return o.write(ctx, r, groups, research)
}

// enter checks cancellation and marks stage as current with its unit count.
func (o *Orchestrator) enter(ctx context.Context, r *run, s pipeline.Stage, expected int) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("before stage %s: %w", s, err)
	}
	r.update(func(wf *pipeline.Workflow) {
		wf.CurrentStage = s
		p := wf.Progress[s]
		p.Expected = expected
		wf.Progress[s] = p
	})
	return nil
}

// settle reconciles the stage counters with the runner result, persists the
// snapshot, and reports whether the stage was interrupted.
func (o *Orchestrator) settle(ctx context.Context, r *run, s pipeline.Stage, res stage.Result) error {
	wf := r.update(func(wf *pipeline.Workflow) {
		p := wf.Progress[s]
		p.Completed = res.Completed
		p.Failed = res.Failed
		p.Skipped = res.Skipped
		p.Produced = res.Produced
		p.Failures = res.Failures
		p.CurrentItem = ""
		wf.Progress[s] = p
	})
	if err := o.persist(ctx, wf); err != nil {
		o.logger.Warn("persist stage progress failed", zap.String("workflow_id", wf.ID), zap.Error(err))
	}
	if res.Failed > 0 {
		o.logger.Warn("stage finished with failed units",
			zap.String("workflow_id", wf.ID),
			zap.String("stage", string(s)),
			zap.Int("failed", res.Failed),
			zap.Int("completed", res.Completed),
		)
	}
	switch {
	case res.Cancelled:
		return fmt.Errorf("stage %s: %w", s, context.Canceled)
	case res.TimedOut && ctx.Err() != nil:
		return fmt.Errorf("stage %s: %w", s, ctx.Err())
	case res.TimedOut:
		return &pipeline.StageError{Stage: s, Timeout: true, Reason: "stage deadline exceeded"}
	}
	return nil
}

func (o *Orchestrator) stageOptions(workflowID string, s pipeline.Stage) stage.Options {
	sc := o.cfg.Stages[s]
	return stage.Options{
		WorkflowID:     workflowID,
		Concurrency:    sc.Concurrency,
		UnitTimeout:    sc.UnitTimeout,
		StageTimeout:   sc.StageTimeout,
		MaxAttempts:    o.cfg.MaxAttempts,
		RetryBaseDelay: o.cfg.RetryBaseDelay,
	}
}

// emitter applies events to the run record before forwarding them to the
// progress hub, so pollers never see counters behind the sinks.
func (o *Orchestrator) emitter(r *run) pipeline.Emitter {
	return pipeline.EmitterFunc(func(evt pipeline.ProgressEvent) {
		r.apply(evt)
		if o.deps.Progress != nil {
			o.deps.Progress.Emit(evt)
		}
	})
}
