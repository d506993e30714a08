// Package pipeline defines the core types shared by the orchestrator, the
// stage runner, the content store, and the pluggable collaborators.
package pipeline

import (
	"slices"
	"time"
)

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

// Workflow status values persisted in the workflow store.
const (
	StatusPending   WorkflowStatus = "pending"
	StatusRunning   WorkflowStatus = "running"
	StatusCompleted WorkflowStatus = "completed"
	StatusFailed    WorkflowStatus = "failed"
	StatusCancelled WorkflowStatus = "cancelled"
)

// Stage names one pipeline phase.
type Stage string

// Pipeline stages in execution order.
const (
	StageCrawl    Stage = "crawl"
	StageProcess  Stage = "process"
	StageResearch Stage = "research"
	StageWrite    Stage = "write"
)

// Stages lists every stage in execution order.
var Stages = []Stage{StageCrawl, StageProcess, StageResearch, StageWrite}

// StartRequest is the validated input of a workflow.
type StartRequest struct {
	Topic          string   `json:"topic,omitempty"`
	SourceIDs      []string `json:"source_ids,omitempty"`
	Categories     []string `json:"categories,omitempty"`
	ResearchTopics []string `json:"research_topics,omitempty"`
	SkipResearch   bool     `json:"skip_research,omitempty"`
}

// Clone returns a deep copy of the request.
func (r StartRequest) Clone() StartRequest {
	r.SourceIDs = slices.Clone(r.SourceIDs)
	r.Categories = slices.Clone(r.Categories)
	r.ResearchTopics = slices.Clone(r.ResearchTopics)
	return r
}

// UnitFailure records one failed unit inside a stage.
type UnitFailure struct {
	Unit    string    `json:"unit"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// StageProgress holds the per-stage counters shown to pollers.
type StageProgress struct {
	Expected    int           `json:"expected"`
	Completed   int           `json:"completed"`
	Failed      int           `json:"failed"`
	Skipped     int           `json:"skipped"`
	Produced    int           `json:"produced"`
	CurrentItem string        `json:"current_item,omitempty"`
	Failures    []UnitFailure `json:"failures,omitempty"`
}

// ResultSummary carries the headline counts of a workflow.
type ResultSummary struct {
	Crawled           int `json:"crawled"`
	Processed         int `json:"processed"`
	ArticlesGenerated int `json:"articles_generated"`
}

// WorkflowError is the structured cause recorded on a failed workflow.
type WorkflowError struct {
	Kind    ErrorKind `json:"kind"`
	Stage   Stage     `json:"stage,omitempty"`
	Message string    `json:"message"`
}

// Workflow is one end-to-end pipeline run.
type Workflow struct {
	ID           string                  `json:"id"`
	Topic        string                  `json:"topic,omitempty"`
	Request      StartRequest            `json:"request"`
	Status       WorkflowStatus          `json:"status"`
	CreatedAt    time.Time               `json:"created_at"`
	StartedAt    *time.Time              `json:"started_at,omitempty"`
	CompletedAt  *time.Time              `json:"completed_at,omitempty"`
	CurrentStage Stage                   `json:"current_stage,omitempty"`
	Progress     map[Stage]StageProgress `json:"progress"`
	Error        *WorkflowError          `json:"error,omitempty"`
	Summary      ResultSummary           `json:"summary"`
}

// RawItem is what a crawl collaborator yields for a single piece of content.
type RawItem struct {
	SourceID         string
	Title            string
	URL              string
	Body             string
	Author           string
	PublishedAt      *time.Time
	Tags             []string
	ExtractionMethod string
}

// ContentItem is a deduplicated piece of content owned by the content store.
type ContentItem struct {
	Fingerprint      string     `json:"fingerprint"`
	SourceID         string     `json:"source_id"`
	Title            string     `json:"title"`
	Body             string     `json:"body"`
	URL              string     `json:"url"`
	Author           string     `json:"author,omitempty"`
	PublishedAt      *time.Time `json:"published_at,omitempty"`
	Category         string     `json:"category,omitempty"`
	Tags             []string   `json:"tags,omitempty"`
	KeyPoints        []string   `json:"key_points,omitempty"`
	RelevanceScore   float64    `json:"relevance_score"`
	ExtractionMethod string     `json:"extraction_method,omitempty"`
	FirstSeenAt      time.Time  `json:"first_seen_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	MergeCount       int        `json:"merge_count"`
}

// Clone returns a deep copy of the item.
func (c ContentItem) Clone() ContentItem {
	c.Tags = slices.Clone(c.Tags)
	c.KeyPoints = slices.Clone(c.KeyPoints)
	if c.PublishedAt != nil {
		ts := *c.PublishedAt
		c.PublishedAt = &ts
	}
	return c
}

// Annotation is the write-back produced by the process stage.
type Annotation struct {
	Category       string
	RelevanceScore float64
	KeyPoints      []string
	Tags           []string
}

// Article is the output of the write stage. Articles are immutable once stored.
type Article struct {
	ID                 string    `json:"id"`
	WorkflowID         string    `json:"workflow_id"`
	Title              string    `json:"title"`
	Content            string    `json:"content"`
	Summary            string    `json:"summary"`
	Category           string    `json:"category"`
	Tags               []string  `json:"tags,omitempty"`
	WordCount          int       `json:"word_count"`
	ReadingMinutes     int       `json:"reading_minutes"`
	QualityScore       float64   `json:"quality_score"`
	SourceFingerprints []string  `json:"source_fingerprints"`
	ResearchNotes      []string  `json:"research_notes,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Clone returns a deep copy of the article.
func (a Article) Clone() Article {
	a.Tags = slices.Clone(a.Tags)
	a.SourceFingerprints = slices.Clone(a.SourceFingerprints)
	a.ResearchNotes = slices.Clone(a.ResearchNotes)
	return a
}

// SourceType distinguishes crawl strategies.
type SourceType string

// Supported source types.
const (
	SourceRSS SourceType = "rss"
	SourceWeb SourceType = "web"
)

// Source describes one crawl target.
type Source struct {
	ID         string     `json:"id" yaml:"id"`
	Name       string     `json:"name" yaml:"name"`
	URL        string     `json:"url" yaml:"url"`
	Type       SourceType `json:"type" yaml:"type"`
	Categories []string   `json:"categories,omitempty" yaml:"categories"`
	Active     bool       `json:"active" yaml:"active"`
	// Render asks the web crawler to load pages through a headless browser.
	Render bool `json:"render,omitempty" yaml:"render"`
	// MaxItems caps how many items a single crawl may yield; 0 means the crawler default.
	MaxItems int `json:"max_items,omitempty" yaml:"max_items"`
	// FullText fetches the linked page for feed entries with short bodies.
	FullText bool `json:"full_text,omitempty" yaml:"full_text"`
	// Selectors steer web extraction; empty selectors fall back to readability.
	Selectors Selectors `json:"selectors,omitzero" yaml:"selectors"`
}

// SourcePatch is a partial source update. Nil fields are left unchanged.
type SourcePatch struct {
	Name       *string     `json:"name,omitempty"`
	URL        *string     `json:"url,omitempty"`
	Type       *SourceType `json:"type,omitempty"`
	Categories *[]string   `json:"categories,omitempty"`
	Active     *bool       `json:"active,omitempty"`
	Render     *bool       `json:"render,omitempty"`
	MaxItems   *int        `json:"max_items,omitempty"`
	FullText   *bool       `json:"full_text,omitempty"`
	Selectors  *Selectors  `json:"selectors,omitempty"`
}

// Apply returns src with the patch applied.
func (p SourcePatch) Apply(src Source) Source {
	if p.Name != nil {
		src.Name = *p.Name
	}
	if p.URL != nil {
		src.URL = *p.URL
	}
	if p.Type != nil {
		src.Type = *p.Type
	}
	if p.Categories != nil {
		src.Categories = slices.Clone(*p.Categories)
	}
	if p.Active != nil {
		src.Active = *p.Active
	}
	if p.Render != nil {
		src.Render = *p.Render
	}
	if p.MaxItems != nil {
		src.MaxItems = *p.MaxItems
	}
	if p.FullText != nil {
		src.FullText = *p.FullText
	}
	if p.Selectors != nil {
		src.Selectors = *p.Selectors
		src.Selectors.Exclude = slices.Clone(p.Selectors.Exclude)
	}
	return src
}

// SourceStats counts catalog sources. Categories and Types cover active
// sources only; an active source without categories counts as "general".
type SourceStats struct {
	Total      int                `json:"total_sources"`
	Active     int                `json:"active_sources"`
	Inactive   int                `json:"inactive_sources"`
	Categories map[string]int     `json:"categories"`
	Types      map[SourceType]int `json:"types"`
}

// Selectors are CSS selectors applied to web sources.
type Selectors struct {
	// Link selects article links on the listing page.
	Link    string   `json:"link,omitempty" yaml:"link"`
	Title   string   `json:"title,omitempty" yaml:"title"`
	Content string   `json:"content,omitempty" yaml:"content"`
	Author  string   `json:"author,omitempty" yaml:"author"`
	Exclude []string `json:"exclude,omitempty" yaml:"exclude"`
}

// Assessment is what the process collaborator returns for one item.
type Assessment struct {
	Category       string
	RelevanceScore float64
	KeyPoints      []string
	Tags           []string
}

// CategoryGroup is the unit of work for the research and write stages.
type CategoryGroup struct {
	WorkflowID string
	Category   string
	Topic      string
	Topics     []string
	Items      []ContentItem
}

// Fingerprints lists the fingerprints of the grouped items.
func (g CategoryGroup) Fingerprints() []string {
	out := make([]string, 0, len(g.Items))
	for _, item := range g.Items {
		out = append(out, item.Fingerprint)
	}
	return out
}

// Research carries enrichment notes for a category group.
type Research struct {
	Notes []string
}

// Draft is the raw article text returned by the write collaborator.
type Draft struct {
	Title        string
	Content      string
	Summary      string
	Tags         []string
	QualityScore float64
}

// EventStatus is the outcome class of a progress event.
type EventStatus string

// Progress event outcomes.
const (
	EventProcessing EventStatus = "processing"
	EventCompleted  EventStatus = "completed"
	EventError      EventStatus = "error"
)

// ProgressEvent reports one unit transition inside a stage.
type ProgressEvent struct {
	WorkflowID string
	Stage      Stage
	Unit       string
	Status     EventStatus
	At         time.Time
	Produced   int
	ErrKind    ErrorKind
	ErrMessage string
	Duration   time.Duration
}

// WorkflowEvent is published once a workflow reaches a terminal state.
type WorkflowEvent struct {
	WorkflowID       string         `json:"workflow_id"`
	Status           WorkflowStatus `json:"status"`
	Topic            string         `json:"topic,omitempty"`
	Summary          ResultSummary  `json:"summary"`
	Error            *WorkflowError `json:"error,omitempty"`
	CompletedAt      time.Time      `json:"completed_at"`
	ArticleExportURI string         `json:"article_export_uri,omitempty"`
	DurationSeconds  float64        `json:"duration_seconds"`
}
