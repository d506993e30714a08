// Package memory provides an in-process content backend for development and tests.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/cklxx/nowhow/internal/content"
	"github.com/cklxx/nowhow/internal/pipeline"
)

// Backend keeps items, articles, and the day index in maps.
type Backend struct {
	mu       sync.RWMutex
	items    map[string]pipeline.ContentItem
	days     map[string]map[string]struct{}
	articles map[string]pipeline.Article
	order    []string
}

var _ content.Backend = (*Backend)(nil)

// New constructs an empty Backend.
func New() *Backend {
	return &Backend{
		items:    make(map[string]pipeline.ContentItem),
		days:     make(map[string]map[string]struct{}),
		articles: make(map[string]pipeline.Article),
	}
}

// LoadItem returns a copy of the stored item.
func (b *Backend) LoadItem(_ context.Context, fingerprint string) (pipeline.ContentItem, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	item, ok := b.items[fingerprint]
	if !ok {
		return pipeline.ContentItem{}, pipeline.ErrNotFound
	}
	return item.Clone(), nil
}

// SaveItem upserts the item and its day index entry.
func (b *Backend) SaveItem(_ context.Context, item pipeline.ContentItem) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[item.Fingerprint] = item.Clone()
	day := content.DayKey(item.FirstSeenAt)
	bucket, ok := b.days[day]
	if !ok {
		bucket = make(map[string]struct{})
		b.days[day] = bucket
	}
	bucket[item.Fingerprint] = struct{}{}
	return nil
}

// DeleteItem removes the item and its index entry.
func (b *Backend) DeleteItem(_ context.Context, fingerprint string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	item, ok := b.items[fingerprint]
	if !ok {
		return pipeline.ErrNotFound
	}
	delete(b.items, fingerprint)
	day := content.DayKey(item.FirstSeenAt)
	delete(b.days[day], fingerprint)
	if len(b.days[day]) == 0 {
		delete(b.days, day)
	}
	return nil
}

// DayIndex lists the fingerprints first seen on day.
func (b *Backend) DayIndex(_ context.Context, day string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bucket := b.days[day]
	out := make([]string, 0, len(bucket))
	for fp := range bucket {
		out = append(out, fp)
	}
	slices.Sort(out)
	return out, nil
}

// SaveArticle inserts an article once.
func (b *Backend) SaveArticle(_ context.Context, article pipeline.Article) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.articles[article.ID]; exists {
		return content.ErrArticleExists
	}
	b.articles[article.ID] = article.Clone()
	b.order = append(b.order, article.ID)
	return nil
}

// ListArticles returns copies in insertion order.
func (b *Backend) ListArticles(_ context.Context, workflowID string) ([]pipeline.Article, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []pipeline.Article
	for _, id := range b.order {
		article := b.articles[id]
		if workflowID != "" && article.WorkflowID != workflowID {
			continue
		}
		out = append(out, article.Clone())
	}
	return out, nil
}

// Counts reports totals.
func (b *Backend) Counts(context.Context) (content.Counts, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	counts := content.Counts{Items: len(b.items), Articles: len(b.articles)}
	for _, item := range b.items {
		counts.Observations += item.MergeCount
	}
	return counts, nil
}

// Close is a no-op.
func (b *Backend) Close() error { return nil }
