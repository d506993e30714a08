package workflow

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/cklxx/nowhow/internal/pipeline"
	"github.com/cklxx/nowhow/internal/stage"
	"github.com/cklxx/nowhow/internal/text"
)

const (
	defaultCategory = "general"
	summaryRunes    = 280
)

// crawl runs one unit per source and returns the distinct fingerprints stored.
func (o *Orchestrator) crawl(ctx context.Context, r *run) ([]string, error) {
	sources := r.sources
	if err := o.enter(ctx, r, pipeline.StageCrawl, len(sources)); err != nil {
		return nil, err
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)
	record := func(fp string) {
		mu.Lock()
		defer mu.Unlock()
		seen[fp] = struct{}{}
	}
	tasks := make([]stage.Task, 0, len(sources))
	for _, src := range sources {
		tasks = append(tasks, stage.Task{
			Unit: src.ID,
			Run: func(ctx context.Context) (int, error) {
				return o.crawlSource(ctx, r.id, src, record)
			},
		})
	}
	res := o.deps.Runner.Run(ctx, pipeline.StageCrawl, o.stageOptions(r.id, pipeline.StageCrawl), tasks, o.emitter(r))
	if err := o.settle(ctx, r, pipeline.StageCrawl, res); err != nil {
		return nil, err
	}

	mu.Lock()
	fingerprints := make([]string, 0, len(seen))
	for fp := range seen {
		fingerprints = append(fingerprints, fp)
	}
	mu.Unlock()
	slices.Sort(fingerprints)

	r.update(func(wf *pipeline.Workflow) { wf.Summary.Crawled = len(fingerprints) })
	if len(fingerprints) == 0 {
		return nil, &pipeline.StageError{Stage: pipeline.StageCrawl, Reason: "no content was crawled"}
	}
	return fingerprints, nil
}

// crawlSource stores every item the crawler yields. Item errors are skipped;
// the unit fails only when nothing was stored, which keeps a retried unit from
// merging the same items twice.
func (o *Orchestrator) crawlSource(
	ctx context.Context,
	workflowID string,
	src pipeline.Source,
	record func(string),
) (int, error) {
	var (
		stored   int
		firstErr error
	)
	for raw, err := range o.deps.Crawler.Crawl(ctx, src) {
		if err == nil {
			if raw.SourceID == "" {
				raw.SourceID = src.ID
			}
			var fp string
			fp, _, err = o.deps.Content.PutContent(ctx, raw)
			if err == nil {
				record(fp)
				stored++
				continue
			}
		}
		if firstErr == nil {
			firstErr = err
		}
		o.logger.Debug("crawl item skipped",
			zap.String("workflow_id", workflowID),
			zap.String("source_id", src.ID),
			zap.Error(err),
		)
	}
	if stored == 0 && firstErr != nil {
		return 0, firstErr
	}
	return stored, nil
}

// process annotates every fingerprint and keeps the items at or above the
// relevance threshold.
func (o *Orchestrator) process(ctx context.Context, r *run, fingerprints []string) ([]pipeline.ContentItem, error) {
	if err := o.enter(ctx, r, pipeline.StageProcess, len(fingerprints)); err != nil {
		return nil, err
	}
	topic := r.snapshot().Topic

	var (
		mu   sync.Mutex
		kept []pipeline.ContentItem
	)
	tasks := make([]stage.Task, 0, len(fingerprints))
	for _, fp := range fingerprints {
		tasks = append(tasks, stage.Task{
			Unit: fp,
			Run: func(ctx context.Context) (int, error) {
				item, err := o.deps.Content.GetContent(ctx, fp)
				if err != nil {
					return 0, err
				}
				assessment, err := o.deps.Processor.Process(ctx, item, topic)
				if err != nil {
					return 0, err
				}
				updated, err := o.deps.Content.AnnotateContent(ctx, fp, pipeline.Annotation{
					Category:       assessment.Category,
					RelevanceScore: assessment.RelevanceScore,
					KeyPoints:      assessment.KeyPoints,
					Tags:           assessment.Tags,
				})
				if err != nil {
					return 0, err
				}
				if updated.RelevanceScore < o.cfg.RelevanceThreshold {
					return 0, nil
				}
				mu.Lock()
				kept = append(kept, updated)
				mu.Unlock()
				return 1, nil
			},
		})
	}
	res := o.deps.Runner.Run(ctx, pipeline.StageProcess, o.stageOptions(r.id, pipeline.StageProcess), tasks, o.emitter(r))
	if err := o.settle(ctx, r, pipeline.StageProcess, res); err != nil {
		return nil, err
	}

	r.update(func(wf *pipeline.Workflow) { wf.Summary.Processed = len(kept) })
	if len(kept) == 0 {
		return nil, &pipeline.StageError{
			Stage:  pipeline.StageProcess,
			Reason: fmt.Sprintf("no item reached the relevance threshold %.2f", o.cfg.RelevanceThreshold),
		}
	}
	return kept, nil
}

// groupByCategory buckets items by category, ordered by name, with each
// bucket sorted by relevance.
func (o *Orchestrator) groupByCategory(wf pipeline.Workflow, items []pipeline.ContentItem) []pipeline.CategoryGroup {
	buckets := make(map[string][]pipeline.ContentItem)
	for _, item := range items {
		category := strings.ToLower(strings.TrimSpace(item.Category))
		if category == "" {
			category = defaultCategory
		}
		buckets[category] = append(buckets[category], item)
	}

	categories := make([]string, 0, len(buckets))
	for category := range buckets {
		categories = append(categories, category)
	}
	slices.Sort(categories)

	groups := make([]pipeline.CategoryGroup, 0, len(categories))
	for _, category := range categories {
		members := buckets[category]
		slices.SortFunc(members, func(a, b pipeline.ContentItem) int {
			if c := cmp.Compare(b.RelevanceScore, a.RelevanceScore); c != 0 {
				return c
			}
			return strings.Compare(a.Fingerprint, b.Fingerprint)
		})
		group := pipeline.CategoryGroup{
			WorkflowID: wf.ID,
			Category:   category,
			Topic:      wf.Topic,
			Items:      members,
		}
		group.Topics = o.researchTopics(wf.Request, group)
		groups = append(groups, group)
	}
	return groups
}

// researchTopics uses the requested topics when given; otherwise it derives
// them from the category, item tags, and key point terms.
func (o *Orchestrator) researchTopics(req pipeline.StartRequest, group pipeline.CategoryGroup) []string {
	var candidates []string
	if len(req.ResearchTopics) > 0 {
		candidates = req.ResearchTopics
	} else {
		candidates = append(candidates, group.Category)
		for _, item := range group.Items {
			candidates = append(candidates, item.Tags...)
		}
		for _, item := range group.Items {
			for _, kp := range item.KeyPoints {
				candidates = append(candidates, text.Terms(kp)...)
			}
		}
	}
	topics := make([]string, 0, o.cfg.ResearchTopics)
	for _, c := range candidates {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || slices.Contains(topics, c) {
			continue
		}
		topics = append(topics, c)
		if len(topics) == o.cfg.ResearchTopics {
			break
		}
	}
	return topics
}

// research is optional and degrades gracefully: failed groups are written
// without notes. Only cancellation and deadlines abort the run here.
func (o *Orchestrator) research(
	ctx context.Context,
	r *run,
	groups []pipeline.CategoryGroup,
) (map[string]pipeline.Research, error) {
	notes := make(map[string]pipeline.Research, len(groups))
	if o.deps.Researcher == nil || r.snapshot().Request.SkipResearch {
		r.update(func(wf *pipeline.Workflow) {
			wf.Progress[pipeline.StageResearch] = pipeline.StageProgress{Expected: len(groups), Skipped: len(groups)}
		})
		return notes, nil
	}
	if err := o.enter(ctx, r, pipeline.StageResearch, len(groups)); err != nil {
		return nil, err
	}

	var mu sync.Mutex
	tasks := make([]stage.Task, 0, len(groups))
	for _, group := range groups {
		tasks = append(tasks, stage.Task{
			Unit: group.Category,
			Run: func(ctx context.Context) (int, error) {
				res, err := o.deps.Researcher.Research(ctx, group)
				if err != nil {
					return 0, err
				}
				mu.Lock()
				notes[group.Category] = res
				mu.Unlock()
				return len(res.Notes), nil
			},
		})
	}
	res := o.deps.Runner.Run(ctx, pipeline.StageResearch, o.stageOptions(r.id, pipeline.StageResearch), tasks, o.emitter(r))
	if err := o.settle(ctx, r, pipeline.StageResearch, res); err != nil {
		return nil, err
	}
	return notes, nil
}

// write drafts one article per group that has at least MinGroupSize items.
func (o *Orchestrator) write(
	ctx context.Context,
	r *run,
	groups []pipeline.CategoryGroup,
	research map[string]pipeline.Research,
) error {
	eligible := slices.DeleteFunc(slices.Clone(groups), func(g pipeline.CategoryGroup) bool {
		return len(g.Items) < o.cfg.MinGroupSize
	})
	if err := o.enter(ctx, r, pipeline.StageWrite, len(eligible)); err != nil {
		return err
	}
	if len(eligible) == 0 {
		return &pipeline.StageError{
			Stage:  pipeline.StageWrite,
			Reason: fmt.Sprintf("no category has at least %d items", o.cfg.MinGroupSize),
		}
	}

	tasks := make([]stage.Task, 0, len(eligible))
	for _, group := range eligible {
		tasks = append(tasks, stage.Task{
			Unit: group.Category,
			Run: func(ctx context.Context) (int, error) {
				if err := o.writeArticle(ctx, group, research[group.Category]); err != nil {
					return 0, err
				}
				return 1, nil
			},
		})
	}
	res := o.deps.Runner.Run(ctx, pipeline.StageWrite, o.stageOptions(r.id, pipeline.StageWrite), tasks, o.emitter(r))
	if err := o.settle(ctx, r, pipeline.StageWrite, res); err != nil {
		return err
	}

	r.update(func(wf *pipeline.Workflow) { wf.Summary.ArticlesGenerated = res.Produced })
	if res.Produced == 0 {
		return &pipeline.StageError{Stage: pipeline.StageWrite, Reason: "no articles were generated"}
	}
	return nil
}

func (o *Orchestrator) writeArticle(ctx context.Context, group pipeline.CategoryGroup, research pipeline.Research) error {
	draft, err := o.deps.Writer.Write(ctx, group, research)
	if err != nil {
		return err
	}
	words := text.CountWords(draft.Content)
	if words < o.cfg.WordMin || (o.cfg.WordMax > 0 && words > o.cfg.WordMax) {
		return pipeline.Permanent(group.Category, &pipeline.ValidationError{
			Field:  "word_count",
			Reason: fmt.Sprintf("%d is outside [%d, %d]", words, o.cfg.WordMin, o.cfg.WordMax),
		})
	}
	id, err := o.deps.IDs.NewID()
	if err != nil {
		return fmt.Errorf("generate article id: %w", err)
	}
	summary := strings.TrimSpace(draft.Summary)
	if summary == "" {
		summary = text.Excerpt(draft.Content, summaryRunes)
	}
	article := pipeline.Article{
		ID:                 id,
		WorkflowID:         group.WorkflowID,
		Title:              strings.TrimSpace(draft.Title),
		Content:            draft.Content,
		Summary:            summary,
		Category:           group.Category,
		Tags:               draft.Tags,
		WordCount:          words,
		ReadingMinutes:     text.ReadingMinutes(words),
		QualityScore:       min(max(draft.QualityScore, 0), 1),
		SourceFingerprints: group.Fingerprints(),
		ResearchNotes:      research.Notes,
		CreatedAt:          o.deps.Clock.Now(),
	}
	if err := o.deps.Content.PutArticle(ctx, article); err != nil {
		return fmt.Errorf("store article: %w", err)
	}
	return nil
}
