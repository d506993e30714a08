package query_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cklxx/nowhow/internal/content"
	"github.com/cklxx/nowhow/internal/content/memory"
	"github.com/cklxx/nowhow/internal/pipeline"
	"github.com/cklxx/nowhow/internal/query"
	"github.com/cklxx/nowhow/internal/source"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fakeWorkflows struct {
	byID map[string]pipeline.Workflow
}

func (f fakeWorkflows) Status(_ context.Context, id string) (pipeline.Workflow, error) {
	wf, ok := f.byID[id]
	if !ok {
		return pipeline.Workflow{}, pipeline.ErrNotFound
	}
	return wf, nil
}

func (f fakeWorkflows) ListRecent(_ context.Context, limit int) ([]pipeline.Workflow, error) {
	out := make([]pipeline.Workflow, 0, len(f.byID))
	for _, wf := range f.byID {
		out = append(out, wf)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func newService(t *testing.T) (*query.Service, *content.Store, time.Time) {
	t.Helper()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := fixedClock{now: now}
	store, err := content.New(memory.New(), clock, content.Config{CacheSize: 8}, zap.NewNop())
	require.NoError(t, err)
	catalog, err := source.New([]pipeline.Source{
		{ID: "a", URL: "https://a.example/feed", Type: pipeline.SourceRSS, Active: true},
		{ID: "b", URL: "https://b.example/", Type: pipeline.SourceWeb},
	})
	require.NoError(t, err)

	started := now.Add(-2 * time.Minute)
	done := now.Add(-time.Minute)
	workflows := fakeWorkflows{byID: map[string]pipeline.Workflow{
		"wf-1": {
			ID:           "wf-1",
			Topic:        "go",
			Status:       pipeline.StatusCompleted,
			CreatedAt:    started,
			StartedAt:    &started,
			CompletedAt:  &done,
			CurrentStage: pipeline.StageWrite,
			Progress: map[pipeline.Stage]pipeline.StageProgress{
				pipeline.StageWrite: {Expected: 1, Completed: 1, Produced: 1},
				pipeline.StageCrawl: {Expected: 2, Completed: 2, Produced: 4},
			},
			Summary: pipeline.ResultSummary{Crawled: 4, Processed: 3, ArticlesGenerated: 1},
		},
		"wf-2": {ID: "wf-2", Status: pipeline.StatusRunning, CreatedAt: now, StartedAt: &started, CurrentStage: pipeline.StageCrawl},
	}}
	return query.New(workflows, store, catalog, clock), store, now
}

func TestWorkflowView(t *testing.T) {
	t.Parallel()

	svc, _, _ := newService(t)
	view, err := svc.Workflow(context.Background(), "wf-1")
	require.NoError(t, err)
	require.Equal(t, 100, view.ProgressPercent)
	require.Equal(t, 60.0, view.DurationSeconds)
	require.Len(t, view.Stages, 2)
	require.Equal(t, pipeline.StageCrawl, view.Stages[0].Name)
	require.Equal(t, 4, view.Stages[0].Produced)
	require.Equal(t, pipeline.StageWrite, view.Stages[1].Name)

	running, err := svc.Workflow(context.Background(), "wf-2")
	require.NoError(t, err)
	require.Equal(t, 120.0, running.DurationSeconds)

	_, err = svc.Workflow(context.Background(), "missing")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestArticlesRequireKnownWorkflow(t *testing.T) {
	t.Parallel()

	svc, store, now := newService(t)
	ctx := context.Background()
	require.NoError(t, store.PutArticle(ctx, pipeline.Article{ID: "art-1", WorkflowID: "wf-1", Title: "Go", CreatedAt: now}))

	view, err := svc.Articles(ctx, "wf-1")
	require.NoError(t, err)
	require.Equal(t, 1, view.Count)
	require.Equal(t, "art-1", view.Articles[0].ID)

	empty, err := svc.Articles(ctx, "wf-2")
	require.NoError(t, err)
	require.NotNil(t, empty.Articles)
	require.Zero(t, empty.Count)

	_, err = svc.Articles(ctx, "missing")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestContentListingFiltersAndLimits(t *testing.T) {
	t.Parallel()

	svc, store, _ := newService(t)
	ctx := context.Background()
	for _, raw := range []pipeline.RawItem{
		{SourceID: "a", Title: "One", URL: "https://a.example/1", Body: "First body. It has two sentences."},
		{SourceID: "a", Title: "Two", URL: "https://a.example/2", Body: "Second body."},
		{SourceID: "a", Title: "Three", URL: "https://a.example/3", Body: "Third body."},
	} {
		fp, _, err := store.PutContent(ctx, raw)
		require.NoError(t, err)
		_, err = store.AnnotateContent(ctx, fp, pipeline.Annotation{Category: "go", RelevanceScore: 0.8})
		require.NoError(t, err)
	}

	list, err := svc.Content(ctx, query.ContentFilter{Category: "GO", Limit: 2})
	require.NoError(t, err)
	require.Equal(t, 2, list.Count)
	require.Equal(t, 2, list.Limit)

	none, err := svc.Content(ctx, query.ContentFilter{MinRelevance: 0.9})
	require.NoError(t, err)
	require.Zero(t, none.Count)
	require.NotNil(t, none.Items)

	_, err = svc.Content(ctx, query.ContentFilter{MinRelevance: 2})
	var verr *pipeline.ValidationError
	require.ErrorAs(t, err, &verr)

	item, err := svc.ContentItem(ctx, list.Items[0].Fingerprint)
	require.NoError(t, err)
	require.Equal(t, list.Items[0].Title, item.Title)
}

func TestStatistics(t *testing.T) {
	t.Parallel()

	svc, store, _ := newService(t)
	ctx := context.Background()
	raw := pipeline.RawItem{SourceID: "a", Title: "Dup", URL: "https://a.example/dup", Body: "Same body."}
	for range 2 {
		_, _, err := store.PutContent(ctx, raw)
		require.NoError(t, err)
	}

	stats, err := svc.Statistics(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Content.TotalItems)
	require.Equal(t, 2, stats.Content.Observations)
	require.InDelta(t, 0.5, stats.Content.DedupRatio, 1e-9)
	require.Equal(t, 1, stats.RecentWorkflows[pipeline.StatusCompleted])
	require.Equal(t, 1, stats.RecentWorkflows[pipeline.StatusRunning])
	require.Equal(t, 2, stats.Sources)
	require.Equal(t, 1, stats.ActiveSources)
	require.Len(t, svc.Sources(), 2)
}
