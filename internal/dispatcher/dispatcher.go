// Package dispatcher runs the fixed worker pool over the workflow queue.
package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/cklxx/nowhow/internal/pipeline"
	"github.com/cklxx/nowhow/internal/worker"
)

// Dispatcher owns size workers sharing one queue, so at most size workflows
// execute at once.
type Dispatcher struct {
	workers []*worker.Worker
	busy    atomic.Int32
	logger  *zap.Logger
}

// New builds a pool of size workers feeding executor from queue. A size
// below one is raised to one.
func New(queue pipeline.Queue, executor pipeline.Executor, size int, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	size = max(size, 1)
	d := &Dispatcher{logger: logger}
	var tracked pipeline.Executor
	if executor != nil {
		tracked = &trackingExecutor{next: executor, busy: &d.busy}
	}
	d.workers = make([]*worker.Worker, size)
	for i := range d.workers {
		d.workers[i] = worker.New(queue, tracked, logger.Named("worker").With(zap.Int("index", i)))
	}
	return d
}

// Size reports the number of pool slots.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Busy reports how many slots are executing a workflow right now.
func (d *Dispatcher) Busy() int {
	return int(d.busy.Load())
}

// Run blocks until every worker has returned, which happens once ctx is
// cancelled or the queue is closed.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Go(func() { w.Run(ctx) })
	}
	wg.Wait()
	d.logger.Info("worker pool drained", zap.Int("workers", len(d.workers)))
}

type trackingExecutor struct {
	next pipeline.Executor
	busy *atomic.Int32
}

func (e *trackingExecutor) Execute(ctx context.Context, item pipeline.QueueItem) {
	e.busy.Add(1)
	defer e.busy.Add(-1)
	e.next.Execute(ctx, item)
}
