// Package schedule starts workflows on cron expressions.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/cklxx/nowhow/internal/pipeline"
)

// Starter is the orchestrator surface the scheduler drives.
type Starter interface {
	Start(ctx context.Context, req pipeline.StartRequest) (string, error)
	Status(ctx context.Context, id string) (pipeline.Workflow, error)
}

// Entry is one recurring workflow.
type Entry struct {
	Name    string
	Spec    string
	Request pipeline.StartRequest
}

// Scheduler owns a cron instance. A firing is skipped while the previous
// workflow of the same entry has not reached a terminal state.
type Scheduler struct {
	cron    *cron.Cron
	starter Starter
	logger  *zap.Logger

	mu   sync.Mutex
	last map[string]string
}

// New validates every entry and registers it. Entries are not fired until Run.
func New(starter Starter, entries []Entry, logger *zap.Logger) (*Scheduler, error) {
	if starter == nil {
		return nil, errors.New("schedule: starter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		cron:    cron.New(),
		starter: starter,
		logger:  logger,
		last:    make(map[string]string),
	}
	seen := make(map[string]struct{}, len(entries))
	for i, e := range entries {
		if e.Name == "" {
			e.Name = fmt.Sprintf("schedule-%d", i)
		}
		if _, dup := seen[e.Name]; dup {
			return nil, fmt.Errorf("schedule %q is defined twice", e.Name)
		}
		seen[e.Name] = struct{}{}
		if _, err := s.cron.AddFunc(e.Spec, func() { s.fire(context.Background(), e) }); err != nil {
			return nil, fmt.Errorf("add schedule %q: %w", e.Name, err)
		}
	}
	return s, nil
}

// Len reports the number of registered entries.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Run fires entries until ctx is cancelled, then waits for in-flight firings.
func (s *Scheduler) Run(ctx context.Context) {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("entries", s.Len()))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) fire(ctx context.Context, e Entry) {
	logger := s.logger.With(zap.String("schedule", e.Name))
	if prev := s.previous(e.Name); prev != "" {
		wf, err := s.starter.Status(ctx, prev)
		if err == nil && !wf.Status.IsTerminal() {
			logger.Info("schedule skipped, previous workflow still active",
				zap.String("workflow_id", prev),
				zap.String("status", string(wf.Status)),
			)
			return
		}
	}
	id, err := s.starter.Start(ctx, e.Request.Clone())
	if err != nil {
		logger.Warn("scheduled workflow not started", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.last[e.Name] = id
	s.mu.Unlock()
	logger.Info("scheduled workflow started", zap.String("workflow_id", id))
}

func (s *Scheduler) previous(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[name]
}
