// Package worker implements the workflow execution loop run by each pool slot.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cklxx/nowhow/internal/pipeline"
)

// Worker consumes queue items and hands each one to the executor.
type Worker struct {
	queue    pipeline.Queue
	executor pipeline.Executor
	logger   *zap.Logger
}

// New constructs a Worker.
func New(queue pipeline.Queue, executor pipeline.Executor, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:    queue,
		executor: executor,
		logger:   logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, pipeline.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued workflow", zap.String("workflow_id", item.WorkflowID))
		w.execute(ctx, item)
	}
}

// execute isolates the pool slot from a panicking run so the worker keeps serving.
func (w *Worker) execute(ctx context.Context, item pipeline.QueueItem) {
	defer func() {
		if p := recover(); p != nil {
			w.logger.Error("workflow execution panicked",
				zap.String("workflow_id", item.WorkflowID),
				zap.String("panic", fmt.Sprint(p)),
			)
		}
	}()
	if w.executor == nil {
		w.logger.Error("no executor configured", zap.String("workflow_id", item.WorkflowID))
		return
	}
	w.executor.Execute(ctx, item)
}
