// Package workflow drives content workflows through the crawl, process,
// research and write stages and owns their lifecycle records.
//
// Start persists a pending record and enqueues it; a worker from the fixed
// pool later calls Execute. Live runs are held in memory and served from
// there; once a run reaches a terminal state the WorkflowStore is the source
// of truth.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cklxx/nowhow/internal/metrics"
	"github.com/cklxx/nowhow/internal/pipeline"
	"github.com/cklxx/nowhow/internal/stage"
)

const (
	tracerName = "github.com/cklxx/nowhow/internal/workflow"

	maxTopicRunes    = 200
	defaultListLimit = 20
	maxListLimit     = 200
)

// Enqueuer accepts runnable workflows. The dispatcher and the memory queue
// both satisfy it.
type Enqueuer interface {
	Enqueue(ctx context.Context, item pipeline.QueueItem) error
}

// Exporter writes the articles of a completed workflow somewhere durable.
type Exporter interface {
	Export(ctx context.Context, wf pipeline.Workflow, articles []pipeline.Article) (string, error)
}

// StageConfig bounds one stage.
type StageConfig struct {
	Concurrency  int
	UnitTimeout  time.Duration
	StageTimeout time.Duration
}

// Config tunes the orchestrator. Zero values fall back to defaults.
type Config struct {
	Stages map[pipeline.Stage]StageConfig
	// Timeout bounds a whole run; 0 disables the overall deadline.
	Timeout        time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	// RelevanceThreshold is inclusive: items scoring exactly at it are kept.
	RelevanceThreshold float64
	MinGroupSize       int
	WordMin            int
	// WordMax of 0 leaves the upper bound open.
	WordMax        int
	ResearchTopics int
	EventTopic     string
	PersistTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RelevanceThreshold <= 0 {
		c.RelevanceThreshold = 0.6
	}
	if c.MinGroupSize <= 0 {
		c.MinGroupSize = 1
	}
	if c.ResearchTopics <= 0 {
		c.ResearchTopics = 5
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.EventTopic == "" {
		c.EventTopic = "workflow-events"
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 10 * time.Second
	}
	return c
}

// Deps are the collaborators the orchestrator drives. Researcher, Progress,
// Publisher, Exporter and TracerProvider are optional.
type Deps struct {
	Store          pipeline.WorkflowStore
	Content        pipeline.ContentStore
	Catalog        pipeline.SourceCatalog
	Crawler        pipeline.Crawler
	Processor      pipeline.Processor
	Researcher     pipeline.Researcher
	Writer         pipeline.Writer
	Queue          Enqueuer
	Runner         *stage.Runner
	Clock          pipeline.Clock
	IDs            pipeline.IDGenerator
	Progress       pipeline.Emitter
	Publisher      pipeline.Publisher
	Exporter       Exporter
	TracerProvider trace.TracerProvider
	Logger         *zap.Logger
}

// Orchestrator implements pipeline.Executor.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	tracer trace.Tracer
	logger *zap.Logger

	mu   sync.RWMutex
	live map[string]*run
}

var _ pipeline.Executor = (*Orchestrator)(nil)

// New validates deps and constructs an Orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	var missing []string
	for name, ok := range map[string]bool{
		"store":     deps.Store != nil,
		"content":   deps.Content != nil,
		"catalog":   deps.Catalog != nil,
		"crawler":   deps.Crawler != nil,
		"processor": deps.Processor != nil,
		"writer":    deps.Writer != nil,
		"queue":     deps.Queue != nil,
		"runner":    deps.Runner != nil,
		"clock":     deps.Clock != nil,
		"ids":       deps.IDs != nil,
	} {
		if !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("workflow orchestrator missing dependencies: %s", strings.Join(missing, ", "))
	}
	cfg = cfg.withDefaults()
	if cfg.WordMax > 0 && cfg.WordMax < cfg.WordMin {
		return nil, fmt.Errorf("word max %d is below word min %d", cfg.WordMax, cfg.WordMin)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	tp := deps.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		tracer: tp.Tracer(tracerName),
		logger: deps.Logger,
		live:   make(map[string]*run),
	}, nil
}

// Start validates req, persists a pending workflow, and enqueues it.
// It returns pipeline.ErrQueueFull (wrapped) when the queue is saturated.
func (o *Orchestrator) Start(ctx context.Context, req pipeline.StartRequest) (string, error) {
	req = normalizeRequest(req)
	if err := validateRequest(req); err != nil {
		return "", err
	}
	sources, err := o.deps.Catalog.Resolve(req)
	if err != nil {
		return "", err
	}
	id, err := o.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate workflow id: %w", err)
	}

	now := o.deps.Clock.Now()
	wf := pipeline.Workflow{
		ID:        id,
		Topic:     req.Topic,
		Request:   req,
		Status:    pipeline.StatusPending,
		CreatedAt: now,
		Progress:  newProgress(),
	}
	if err := o.deps.Store.SaveWorkflow(ctx, wf.Clone()); err != nil {
		return "", fmt.Errorf("persist workflow: %w", err)
	}
	r := newRun(wf, sources)
	o.track(r)

	if err := o.deps.Queue.Enqueue(ctx, pipeline.QueueItem{WorkflowID: id, Submitted: now}); err != nil {
		o.finish(ctx, r, pipeline.StatusFailed, &pipeline.WorkflowError{
			Kind:    pipeline.KindStage,
			Message: "workflow was not enqueued: " + err.Error(),
		}, "")
		return "", fmt.Errorf("enqueue workflow: %w", err)
	}
	o.logger.Info("workflow submitted",
		zap.String("workflow_id", id),
		zap.String("topic", req.Topic),
		zap.Int("sources", len(sources)),
	)
	return id, nil
}

// Status returns a snapshot of the workflow.
func (o *Orchestrator) Status(ctx context.Context, id string) (pipeline.Workflow, error) {
	if r := o.lookup(id); r != nil {
		return r.snapshot(), nil
	}
	wf, err := o.deps.Store.GetWorkflow(ctx, id)
	if err != nil {
		return pipeline.Workflow{}, fmt.Errorf("get workflow %s: %w", id, err)
	}
	return wf, nil
}

// Cancel stops a workflow. A pending one is cancelled directly; a running one
// is signalled and ends once its in-flight units finish. It returns false when
// the workflow is already terminal.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (bool, error) {
	if r := o.lookup(id); r != nil {
		r.mu.Lock()
		status := r.wf.Status
		if status.IsTerminal() {
			r.mu.Unlock()
			return false, nil
		}
		r.cancelRequested = true
		cancel := r.cancel
		r.mu.Unlock()

		if status == pipeline.StatusPending && cancel == nil {
			o.finish(ctx, r, pipeline.StatusCancelled, &pipeline.WorkflowError{
				Kind:    pipeline.KindCancelled,
				Message: "cancelled before start",
			}, "")
			return true, nil
		}
		if cancel != nil {
			cancel()
		}
		o.logger.Info("workflow cancellation requested", zap.String("workflow_id", id))
		return true, nil
	}

	wf, err := o.deps.Store.GetWorkflow(ctx, id)
	if err != nil {
		return false, fmt.Errorf("get workflow %s: %w", id, err)
	}
	if wf.Status.IsTerminal() {
		return false, nil
	}
	// Nothing in this process is running it, so the record is closed here.
	now := o.deps.Clock.Now()
	wf.Status = pipeline.StatusCancelled
	wf.CompletedAt = &now
	wf.Error = &pipeline.WorkflowError{Kind: pipeline.KindCancelled, Stage: wf.CurrentStage, Message: "cancelled"}
	if err := o.persist(ctx, wf); err != nil {
		return false, err
	}
	metrics.ObserveWorkflow(string(wf.Status))
	o.publish(ctx, wf, "")
	return true, nil
}

// ListRecent returns up to limit workflows, newest first. Live runs replace
// their persisted copies so counters are current.
func (o *Orchestrator) ListRecent(ctx context.Context, limit int) ([]pipeline.Workflow, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)
	wfs, err := o.deps.Store.ListWorkflows(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	for i, wf := range wfs {
		if r := o.lookup(wf.ID); r != nil {
			wfs[i] = r.snapshot()
		}
	}
	return wfs, nil
}

// Recover marks persisted workflows left pending or running by a previous
// process as failed. It returns how many records were closed.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	wfs, err := o.deps.Store.ListUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished workflows: %w", err)
	}
	var (
		recovered int
		errs      []error
	)
	for _, wf := range wfs {
		if o.lookup(wf.ID) != nil {
			continue
		}
		now := o.deps.Clock.Now()
		wf.Status = pipeline.StatusFailed
		wf.CompletedAt = &now
		wf.Error = &pipeline.WorkflowError{
			Kind:    pipeline.KindRecovery,
			Stage:   wf.CurrentStage,
			Message: "interrupted by a restart",
		}
		if err := o.persist(ctx, wf); err != nil {
			errs = append(errs, err)
			continue
		}
		metrics.ObserveWorkflow(string(wf.Status))
		recovered++
	}
	if recovered > 0 {
		o.logger.Warn("recovered interrupted workflows", zap.Int("count", recovered))
	}
	return recovered, errors.Join(errs...)
}

// Running reports how many runs are currently executing.
func (o *Orchestrator) Running() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var n int
	for _, r := range o.live {
		if r.snapshot().Status == pipeline.StatusRunning {
			n++
		}
	}
	return n
}

func (o *Orchestrator) track(r *run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.live[r.id] = r
}

func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.live, id)
}

func (o *Orchestrator) lookup(id string) *run {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.live[id]
}

func (o *Orchestrator) persist(ctx context.Context, wf pipeline.Workflow) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
	defer cancel()
	if err := o.deps.Store.SaveWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("persist workflow %s: %w", wf.ID, err)
	}
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, wf pipeline.Workflow, exportURI string) {
	if o.deps.Publisher == nil {
		return
	}
	evt := pipeline.WorkflowEvent{
		WorkflowID:       wf.ID,
		Status:           wf.Status,
		Topic:            wf.Topic,
		Summary:          wf.Summary,
		Error:            wf.Error,
		ArticleExportURI: exportURI,
	}
	if wf.CompletedAt != nil {
		evt.CompletedAt = *wf.CompletedAt
		started := wf.CreatedAt
		if wf.StartedAt != nil {
			started = *wf.StartedAt
		}
		evt.DurationSeconds = wf.CompletedAt.Sub(started).Seconds()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
	defer cancel()
	msgID, err := o.deps.Publisher.Publish(ctx, o.cfg.EventTopic, evt)
	if err != nil {
		o.logger.Error("publish workflow event failed", zap.String("workflow_id", wf.ID), zap.Error(err))
		return
	}
	o.logger.Debug("published workflow event", zap.String("workflow_id", wf.ID), zap.String("message_id", msgID))
}

func normalizeRequest(req pipeline.StartRequest) pipeline.StartRequest {
	req.Topic = strings.TrimSpace(req.Topic)
	req.SourceIDs = uniqueTrimmed(req.SourceIDs, false)
	req.Categories = uniqueTrimmed(req.Categories, true)
	req.ResearchTopics = uniqueTrimmed(req.ResearchTopics, false)
	return req
}

func validateRequest(req pipeline.StartRequest) error {
	if req.Topic == "" && len(req.SourceIDs) == 0 && len(req.Categories) == 0 {
		return &pipeline.ValidationError{Field: "topic", Reason: "or source_ids or categories is required"}
	}
	if utf8.RuneCountInString(req.Topic) > maxTopicRunes {
		return &pipeline.ValidationError{Field: "topic", Reason: fmt.Sprintf("must be at most %d characters", maxTopicRunes)}
	}
	return nil
}

func uniqueTrimmed(in []string, lower bool) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if lower {
			s = strings.ToLower(s)
		}
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
