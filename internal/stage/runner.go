// Package stage runs the units of one pipeline stage under bounded
// concurrency with per-unit timeouts, transient retries, and progress events.
//
// Units run detached from cancellation: once admitted, a unit finishes (or
// hits its own timeout) even if the workflow is cancelled, so writes are never
// torn. Cancellation and the stage deadline only stop admission; units that
// never started are counted as skipped.
package stage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/cklxx/nowhow/internal/metrics"
	"github.com/cklxx/nowhow/internal/pipeline"
)

const tracerName = "github.com/cklxx/nowhow/internal/stage"

// Task is one unit of work. Run returns how many outputs the unit produced.
type Task struct {
	Unit string
	Run  func(ctx context.Context) (produced int, err error)
}

// Options bound a single stage execution.
type Options struct {
	WorkflowID   string
	Concurrency  int
	UnitTimeout  time.Duration
	StageTimeout time.Duration
	// MaxAttempts includes the first try; values below 1 mean 1.
	MaxAttempts int
	// RetryBaseDelay seeds the exponential backoff (default 250ms).
	RetryBaseDelay time.Duration
}

// Result aggregates unit outcomes.
type Result struct {
	Completed int
	Failed    int
	Skipped   int
	Produced  int
	Failures  []pipeline.UnitFailure
	TimedOut  bool
	Cancelled bool
	Duration  time.Duration
}

// Runner executes stages. It holds no per-stage state and is safe to share.
type Runner struct {
	clock  pipeline.Clock
	tracer trace.Tracer
	logger *zap.Logger
}

// New constructs a Runner. A nil TracerProvider uses the global provider.
func New(clock pipeline.Clock, tp trace.TracerProvider, logger *zap.Logger) *Runner {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{clock: clock, tracer: tp.Tracer(tracerName), logger: logger}
}

// Run fans tasks out and blocks until every admitted unit has finished.
func (r *Runner) Run(
	ctx context.Context,
	stage pipeline.Stage,
	opts Options,
	tasks []Task,
	emit pipeline.Emitter,
) Result {
	if emit == nil {
		emit = pipeline.EmitterFunc(func(pipeline.ProgressEvent) {})
	}
	concurrency := max(opts.Concurrency, 1)
	start := r.clock.Now()

	ctx, span := r.tracer.Start(ctx, "stage."+string(stage), trace.WithAttributes(
		attribute.String("workflow.id", opts.WorkflowID),
		attribute.String("stage", string(stage)),
		attribute.Int("stage.units", len(tasks)),
	))
	defer span.End()

	stageCtx := ctx
	if opts.StageTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, opts.StageTimeout)
		defer cancel()
	}

	var (
		mu  sync.Mutex
		res Result
		wg  sync.WaitGroup
	)
	sem := semaphore.NewWeighted(int64(concurrency))
	for i, task := range tasks {
		if stageCtx.Err() != nil {
			res.Skipped = len(tasks) - i
			break
		}
		if err := sem.Acquire(stageCtx, 1); err != nil {
			res.Skipped = len(tasks) - i
			break
		}
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			defer sem.Release(1)
			produced, err := r.runUnit(stageCtx, stage, opts, task, emit)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				res.Failures = append(res.Failures, pipeline.UnitFailure{
					Unit:    task.Unit,
					Kind:    pipeline.KindOf(err),
					Message: err.Error(),
				})
				return
			}
			res.Completed++
			res.Produced += produced
		}(task)
	}
	wg.Wait()

	if err := stageCtx.Err(); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			res.Cancelled = true
		} else {
			res.TimedOut = true
		}
	}
	slices.SortFunc(res.Failures, func(a, b pipeline.UnitFailure) int {
		return strings.Compare(a.Unit, b.Unit)
	})
	res.Duration = r.clock.Now().Sub(start)

	span.SetAttributes(
		attribute.Int("stage.completed", res.Completed),
		attribute.Int("stage.failed", res.Failed),
		attribute.Int("stage.skipped", res.Skipped),
		attribute.Int("stage.produced", res.Produced),
	)
	outcome := "ok"
	switch {
	case res.Cancelled:
		outcome = "cancelled"
		span.SetStatus(codes.Error, "cancelled")
	case res.TimedOut:
		outcome = "timeout"
		span.SetStatus(codes.Error, "stage deadline exceeded")
	case res.Failed > 0:
		outcome = "partial"
	}
	metrics.ObserveStage(string(stage), outcome, res.Duration)
	r.logger.Debug("stage finished",
		zap.String("workflow_id", opts.WorkflowID),
		zap.String("stage", string(stage)),
		zap.String("outcome", outcome),
		zap.Int("completed", res.Completed),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
	)
	return res
}

func (r *Runner) runUnit(
	stageCtx context.Context,
	stage pipeline.Stage,
	opts Options,
	task Task,
	emit pipeline.Emitter,
) (int, error) {
	started := r.clock.Now()
	emit.Emit(pipeline.ProgressEvent{
		WorkflowID: opts.WorkflowID,
		Stage:      stage,
		Unit:       task.Unit,
		Status:     pipeline.EventProcessing,
		At:         started,
	})

	unitCtx, span := r.tracer.Start(context.WithoutCancel(stageCtx), "unit."+string(stage), trace.WithAttributes(
		attribute.String("workflow.id", opts.WorkflowID),
		attribute.String("unit", task.Unit),
	))
	defer span.End()

	policy := &pipeline.ExponentialRetryPolicy{
		MaxAttempts: max(opts.MaxAttempts, 1),
		BaseDelay:   opts.RetryBaseDelay,
		MaxDelay:    5 * time.Second,
		Retryable:   pipeline.IsTransient,
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 250 * time.Millisecond
	}

	var produced int
	// Backoff waits observe stageCtx so a cancelled workflow stops retrying;
	// the attempts themselves only observe the unit timeout.
	err := policy.Do(stageCtx, func(_ context.Context, attempt int) error {
		span.SetAttributes(attribute.Int("unit.attempt", attempt))
		var err error
		produced, err = r.attempt(unitCtx, opts.UnitTimeout, task)
		if err != nil && attempt < policy.MaxAttempts && pipeline.IsTransient(err) {
			r.logger.Debug("retrying unit",
				zap.String("workflow_id", opts.WorkflowID),
				zap.String("stage", string(stage)),
				zap.String("unit", task.Unit),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return err
	})

	finished := r.clock.Now()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		emit.Emit(pipeline.ProgressEvent{
			WorkflowID: opts.WorkflowID,
			Stage:      stage,
			Unit:       task.Unit,
			Status:     pipeline.EventError,
			At:         finished,
			ErrKind:    pipeline.KindOf(err),
			ErrMessage: err.Error(),
			Duration:   finished.Sub(started),
		})
		return 0, err
	}
	emit.Emit(pipeline.ProgressEvent{
		WorkflowID: opts.WorkflowID,
		Stage:      stage,
		Unit:       task.Unit,
		Status:     pipeline.EventCompleted,
		At:         finished,
		Produced:   produced,
		Duration:   finished.Sub(started),
	})
	return produced, nil
}

func (r *Runner) attempt(ctx context.Context, timeout time.Duration, task Task) (produced int, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			produced = 0
			err = pipeline.Permanent(task.Unit, fmt.Errorf("unit panicked: %v", p))
		}
	}()
	return task.Run(ctx)
}
