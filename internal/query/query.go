// Package query projects orchestrator and content store snapshots into the
// JSON views served by the HTTP API. It never mutates state.
package query

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/cklxx/nowhow/internal/content"
	"github.com/cklxx/nowhow/internal/pipeline"
	"github.com/cklxx/nowhow/internal/text"
)

const (
	defaultContentLimit = 50
	maxContentLimit     = 500
	excerptRunes        = 240
	statsWindow         = 200
)

// Workflows is the read side of the orchestrator.
type Workflows interface {
	Status(ctx context.Context, id string) (pipeline.Workflow, error)
	ListRecent(ctx context.Context, limit int) ([]pipeline.Workflow, error)
}

// Content is the read side of the content store.
type Content interface {
	GetContent(ctx context.Context, fingerprint string) (pipeline.ContentItem, error)
	GetArticles(ctx context.Context, workflowID string) ([]pipeline.Article, error)
	QueryContent(ctx context.Context, q content.Query) iter.Seq2[pipeline.ContentItem, error]
	Statistics(ctx context.Context) (content.Stats, error)
}

// Service builds views.
type Service struct {
	workflows Workflows
	content   Content
	catalog   pipeline.SourceCatalog
	clock     pipeline.Clock
}

// New constructs a Service.
func New(workflows Workflows, store Content, catalog pipeline.SourceCatalog, clock pipeline.Clock) *Service {
	return &Service{workflows: workflows, content: store, catalog: catalog, clock: clock}
}

// StageView is one stage of a workflow view.
type StageView struct {
	Name pipeline.Stage `json:"name"`
	pipeline.StageProgress
}

// WorkflowView is the status document of one workflow.
type WorkflowView struct {
	ID              string                  `json:"workflow_id"`
	Topic           string                  `json:"topic,omitempty"`
	Status          pipeline.WorkflowStatus `json:"status"`
	Request         pipeline.StartRequest   `json:"request"`
	CreatedAt       time.Time               `json:"created_at"`
	StartedAt       *time.Time              `json:"started_at,omitempty"`
	CompletedAt     *time.Time              `json:"completed_at,omitempty"`
	DurationSeconds float64                 `json:"duration_seconds"`
	CurrentStage    pipeline.Stage          `json:"current_stage,omitempty"`
	ProgressPercent int                     `json:"progress_percent"`
	Stages          []StageView             `json:"stages"`
	Summary         pipeline.ResultSummary  `json:"summary"`
	Error           *pipeline.WorkflowError `json:"error,omitempty"`
}

// WorkflowListView lists recent workflows.
type WorkflowListView struct {
	Workflows []WorkflowView `json:"workflows"`
	Count     int            `json:"count"`
}

// ArticlesView lists the articles of a workflow, or every article when
// WorkflowID is empty.
type ArticlesView struct {
	WorkflowID string             `json:"workflow_id,omitempty"`
	Articles   []pipeline.Article `json:"articles"`
	Count      int                `json:"count"`
}

// ContentSummary is a list entry; the full body is served by ContentItem.
type ContentSummary struct {
	Fingerprint    string    `json:"fingerprint"`
	SourceID       string    `json:"source_id"`
	Title          string    `json:"title"`
	URL            string    `json:"url"`
	Category       string    `json:"category,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
	RelevanceScore float64   `json:"relevance_score"`
	MergeCount     int       `json:"merge_count"`
	FirstSeenAt    time.Time `json:"first_seen_at"`
	Excerpt        string    `json:"excerpt"`
}

// ContentFilter narrows a content listing. Zero times default to the store window.
type ContentFilter struct {
	From         time.Time
	To           time.Time
	Category     string
	MinRelevance float64
	Limit        int
}

// ContentListView is a page of content, newest first.
type ContentListView struct {
	Items []ContentSummary `json:"items"`
	Count int              `json:"count"`
	Limit int              `json:"limit"`
}

// StatisticsView combines store totals with recent workflow outcomes.
type StatisticsView struct {
	Content         content.Stats                  `json:"content"`
	RecentWorkflows map[pipeline.WorkflowStatus]int `json:"recent_workflows"`
	Sources         int                            `json:"sources"`
	ActiveSources   int                            `json:"active_sources"`
}

// Workflow returns the view of one workflow.
func (s *Service) Workflow(ctx context.Context, id string) (WorkflowView, error) {
	wf, err := s.workflows.Status(ctx, id)
	if err != nil {
		return WorkflowView{}, err
	}
	return s.workflowView(wf), nil
}

// Workflows lists recent workflows, newest first.
func (s *Service) Workflows(ctx context.Context, limit int) (WorkflowListView, error) {
	wfs, err := s.workflows.ListRecent(ctx, limit)
	if err != nil {
		return WorkflowListView{}, err
	}
	out := WorkflowListView{Workflows: make([]WorkflowView, 0, len(wfs)), Count: len(wfs)}
	for _, wf := range wfs {
		out.Workflows = append(out.Workflows, s.workflowView(wf))
	}
	return out, nil
}

// Articles lists articles. A non-empty workflowID must name a known workflow.
func (s *Service) Articles(ctx context.Context, workflowID string) (ArticlesView, error) {
	if workflowID != "" {
		if _, err := s.workflows.Status(ctx, workflowID); err != nil {
			return ArticlesView{}, err
		}
	}
	articles, err := s.content.GetArticles(ctx, workflowID)
	if err != nil {
		return ArticlesView{}, err
	}
	if articles == nil {
		articles = []pipeline.Article{}
	}
	return ArticlesView{WorkflowID: workflowID, Articles: articles, Count: len(articles)}, nil
}

// Content lists stored items matching f.
func (s *Service) Content(ctx context.Context, f ContentFilter) (ContentListView, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultContentLimit
	}
	limit = min(limit, maxContentLimit)
	if f.MinRelevance < 0 || f.MinRelevance > 1 {
		return ContentListView{}, &pipeline.ValidationError{Field: "min_relevance", Reason: "must be between 0 and 1"}
	}

	out := ContentListView{Items: []ContentSummary{}, Limit: limit}
	q := content.Query{From: f.From, To: f.To, Category: f.Category, MinRelevance: f.MinRelevance, Limit: limit}
	for item, err := range s.content.QueryContent(ctx, q) {
		if err != nil {
			return ContentListView{}, fmt.Errorf("query content: %w", err)
		}
		out.Items = append(out.Items, summarize(item))
	}
	out.Count = len(out.Items)
	return out, nil
}

// ContentItem returns one stored item in full.
func (s *Service) ContentItem(ctx context.Context, fingerprint string) (pipeline.ContentItem, error) {
	return s.content.GetContent(ctx, fingerprint)
}

// Sources lists the catalog.
func (s *Service) Sources() []pipeline.Source {
	return s.catalog.List()
}

// Statistics reports content store totals and the outcome mix of recent workflows.
func (s *Service) Statistics(ctx context.Context) (StatisticsView, error) {
	stats, err := s.content.Statistics(ctx)
	if err != nil {
		return StatisticsView{}, err
	}
	wfs, err := s.workflows.ListRecent(ctx, statsWindow)
	if err != nil {
		return StatisticsView{}, err
	}
	view := StatisticsView{Content: stats, RecentWorkflows: make(map[pipeline.WorkflowStatus]int)}
	for _, wf := range wfs {
		view.RecentWorkflows[wf.Status]++
	}
	for _, src := range s.catalog.List() {
		view.Sources++
		if src.Active {
			view.ActiveSources++
		}
	}
	return view, nil
}

func (s *Service) workflowView(wf pipeline.Workflow) WorkflowView {
	view := WorkflowView{
		ID:              wf.ID,
		Topic:           wf.Topic,
		Status:          wf.Status,
		Request:         wf.Request,
		CreatedAt:       wf.CreatedAt,
		StartedAt:       wf.StartedAt,
		CompletedAt:     wf.CompletedAt,
		CurrentStage:    wf.CurrentStage,
		ProgressPercent: wf.PercentComplete(),
		Stages:          make([]StageView, 0, len(wf.Progress)),
		Summary:         wf.Summary,
		Error:           wf.Error,
	}
	for _, name := range wf.StageNames() {
		view.Stages = append(view.Stages, StageView{Name: name, StageProgress: wf.Progress[name]})
	}
	if wf.StartedAt != nil {
		end := s.clock.Now()
		if wf.CompletedAt != nil {
			end = *wf.CompletedAt
		}
		view.DurationSeconds = end.Sub(*wf.StartedAt).Seconds()
	}
	return view
}

func summarize(item pipeline.ContentItem) ContentSummary {
	return ContentSummary{
		Fingerprint:    item.Fingerprint,
		SourceID:       item.SourceID,
		Title:          item.Title,
		URL:            item.URL,
		Category:       item.Category,
		Tags:           item.Tags,
		RelevanceScore: item.RelevanceScore,
		MergeCount:     item.MergeCount,
		FirstSeenAt:    item.FirstSeenAt,
		Excerpt:        text.Excerpt(item.Body, excerptRunes),
	}
}
