// Package content implements the deduplicating content store: fingerprinted
// items are merged on collision, hot reads are served from a bounded LRU, and
// a per-day index supports time-range queries. Durability is delegated to a
// Backend (memory, local files, Postgres, or Redis).
package content

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/cklxx/nowhow/internal/fingerprint"
	"github.com/cklxx/nowhow/internal/metrics"
	"github.com/cklxx/nowhow/internal/pipeline"
)

// Config tunes the store.
type Config struct {
	// CacheSize bounds the LRU; 0 disables caching.
	CacheSize int
	// Shards is the number of fingerprint lock shards (default 64).
	Shards int
	// BodyRunes is the fingerprint body window (default 2048).
	BodyRunes int
	// QueryWindow bounds QueryContent when From is zero (default 30 days).
	QueryWindow time.Duration
	// Retry governs retries of unavailable backend operations. Defaults to
	// three attempts with exponential backoff.
	Retry *pipeline.ExponentialRetryPolicy
}

// Stats summarizes the store for the statistics endpoint.
type Stats struct {
	TotalItems    int     `json:"total_items"`
	TotalArticles int     `json:"total_articles"`
	Observations  int     `json:"observations"`
	DedupRatio    float64 `json:"dedup_ratio"`
	CacheHits     int64   `json:"cache_hits"`
	CacheMisses   int64   `json:"cache_misses"`
	CacheHitRatio float64 `json:"cache_hit_ratio"`
	CachedItems   int     `json:"cached_items"`
}

// Store is safe for concurrent use.
type Store struct {
	backend     Backend
	fp          fingerprint.Fingerprinter
	cache       *itemCache
	locks       *shardLocks
	retry       *pipeline.ExponentialRetryPolicy
	clock       pipeline.Clock
	queryWindow time.Duration
	logger      *zap.Logger
}

var _ pipeline.ContentStore = (*Store)(nil)

// New wires a Store over backend.
func New(backend Backend, clock pipeline.Clock, cfg Config, logger *zap.Logger) (*Store, error) {
	if backend == nil {
		return nil, errors.New("content backend is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if cfg.CacheSize < 0 {
		return nil, fmt.Errorf("cache size must be >= 0, got %d", cfg.CacheSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	retry := pipeline.NewExponentialRetryPolicy()
	if cfg.Retry != nil {
		p := *cfg.Retry
		retry = &p
	}
	retry.Retryable = pipeline.IsStorageUnavailable
	window := cfg.QueryWindow
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	return &Store{
		backend:     backend,
		fp:          fingerprint.New(cfg.BodyRunes),
		cache:       newItemCache(cfg.CacheSize),
		locks:       newShardLocks(cfg.Shards),
		retry:       retry,
		clock:       clock,
		queryWindow: window,
		logger:      logger,
	}, nil
}

// Fingerprint returns the key PutContent would assign to raw.
func (s *Store) Fingerprint(raw pipeline.RawItem) string {
	return s.fp.Key(raw.URL, raw.Title, raw.Body)
}

// PutContent stores raw, merging it into any item with the same fingerprint.
func (s *Store) PutContent(ctx context.Context, raw pipeline.RawItem) (string, bool, error) {
	if strings.TrimSpace(raw.Title) == "" && strings.TrimSpace(raw.Body) == "" {
		return "", false, &pipeline.ValidationError{Field: "item", Reason: "needs a title or body"}
	}
	key := s.Fingerprint(raw)

	unlock := s.locks.lock(key)
	defer unlock()

	now := s.clock.Now()
	existing, err := s.load(ctx, key)
	isNew := errors.Is(err, pipeline.ErrNotFound)
	if err != nil && !isNew {
		return key, false, err
	}

	var item pipeline.ContentItem
	if isNew {
		item = newItem(key, raw, now)
	} else {
		item = Merge(existing, raw, now)
	}
	if err := s.save(ctx, item); err != nil {
		return key, false, err
	}
	s.cache.remove(key)
	metrics.ObserveContentPut(isNew)
	return key, isNew, nil
}

// GetContent returns the item with the given fingerprint, read through the
// cache. A miss fills the cache under the fingerprint's shard lock so that a
// concurrent write cannot be shadowed by the older copy.
func (s *Store) GetContent(ctx context.Context, key string) (pipeline.ContentItem, error) {
	if item, ok := s.cache.get(key); ok {
		return item, nil
	}

	unlock := s.locks.lock(key)
	defer unlock()

	if item, ok := s.cache.peek(key); ok {
		return item, nil
	}
	item, err := s.load(ctx, key)
	if err != nil {
		return pipeline.ContentItem{}, err
	}
	s.cache.add(item)
	return item, nil
}

// AnnotateContent writes process results back onto a stored item.
func (s *Store) AnnotateContent(
	ctx context.Context,
	key string,
	ann pipeline.Annotation,
) (pipeline.ContentItem, error) {
	unlock := s.locks.lock(key)
	defer unlock()

	item, err := s.load(ctx, key)
	if err != nil {
		return pipeline.ContentItem{}, err
	}
	if ann.Category != "" {
		item.Category = ann.Category
	}
	item.RelevanceScore = clamp01(ann.RelevanceScore)
	if len(ann.KeyPoints) > 0 {
		item.KeyPoints = slices.Clone(ann.KeyPoints)
	}
	item.Tags = unionTags(item.Tags, ann.Tags)
	item.UpdatedAt = s.clock.Now()

	if err := s.save(ctx, item); err != nil {
		return pipeline.ContentItem{}, err
	}
	s.cache.remove(key)
	return item, nil
}

// Purge deletes an item and its index entry.
func (s *Store) Purge(ctx context.Context, key string) error {
	unlock := s.locks.lock(key)
	defer unlock()

	err := s.retry.Do(ctx, func(ctx context.Context, _ int) error {
		return s.backend.DeleteItem(ctx, key)
	})
	s.cache.remove(key)
	if err != nil {
		return fmt.Errorf("purge %s: %w", key, err)
	}
	return nil
}

// PutArticle stores an immutable article.
func (s *Store) PutArticle(ctx context.Context, article pipeline.Article) error {
	if article.ID == "" {
		return &pipeline.ValidationError{Field: "article.id", Reason: "is required"}
	}
	if article.CreatedAt.IsZero() {
		article.CreatedAt = s.clock.Now()
	}
	err := s.retry.Do(ctx, func(ctx context.Context, _ int) error {
		return s.backend.SaveArticle(ctx, article.Clone())
	})
	if err != nil {
		return fmt.Errorf("put article %s: %w", article.ID, err)
	}
	return nil
}

// GetArticles lists the articles of workflowID (all articles when empty)
// ordered by CreatedAt ascending.
func (s *Store) GetArticles(ctx context.Context, workflowID string) ([]pipeline.Article, error) {
	var out []pipeline.Article
	err := s.retry.Do(ctx, func(ctx context.Context, _ int) error {
		var err error
		out, err = s.backend.ListArticles(ctx, workflowID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	slices.SortStableFunc(out, func(a, b pipeline.Article) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Statistics reports totals, the dedup ratio, and cache effectiveness.
func (s *Store) Statistics(ctx context.Context) (Stats, error) {
	var counts Counts
	err := s.retry.Do(ctx, func(ctx context.Context, _ int) error {
		var err error
		counts, err = s.backend.Counts(ctx)
		return err
	})
	if err != nil {
		return Stats{}, fmt.Errorf("content statistics: %w", err)
	}
	stats := Stats{
		TotalItems:    counts.Items,
		TotalArticles: counts.Articles,
		Observations:  counts.Observations,
		CacheHits:     s.cache.hits.Load(),
		CacheMisses:   s.cache.misses.Load(),
		CachedItems:   s.cache.len(),
	}
	if counts.Observations > 0 {
		stats.DedupRatio = 1 - float64(counts.Items)/float64(counts.Observations)
	}
	if lookups := stats.CacheHits + stats.CacheMisses; lookups > 0 {
		stats.CacheHitRatio = float64(stats.CacheHits) / float64(lookups)
	}
	return stats, nil
}

// Close releases the backend.
func (s *Store) Close() error {
	if err := s.backend.Close(); err != nil {
		return fmt.Errorf("close content backend: %w", err)
	}
	return nil
}

func (s *Store) load(ctx context.Context, key string) (pipeline.ContentItem, error) {
	var item pipeline.ContentItem
	err := s.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		var err error
		item, err = s.backend.LoadItem(ctx, key)
		if err != nil && pipeline.IsStorageUnavailable(err) {
			s.logger.Warn("content load failed",
				zap.String("fingerprint", key),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			return pipeline.ContentItem{}, pipeline.ErrNotFound
		}
		return pipeline.ContentItem{}, fmt.Errorf("load content %s: %w", key, err)
	}
	return item, nil
}

func (s *Store) save(ctx context.Context, item pipeline.ContentItem) error {
	err := s.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		err := s.backend.SaveItem(ctx, item)
		if err != nil {
			s.logger.Warn("content save failed",
				zap.String("fingerprint", item.Fingerprint),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("save content %s: %w", item.Fingerprint, err)
	}
	return nil
}

func newItem(key string, raw pipeline.RawItem, now time.Time) pipeline.ContentItem {
	item := pipeline.ContentItem{
		Fingerprint:      key,
		SourceID:         raw.SourceID,
		Title:            strings.TrimSpace(raw.Title),
		Body:             raw.Body,
		URL:              strings.TrimSpace(raw.URL),
		Author:           raw.Author,
		Tags:             unionTags(nil, raw.Tags),
		ExtractionMethod: raw.ExtractionMethod,
		FirstSeenAt:      now,
		UpdatedAt:        now,
		MergeCount:       1,
	}
	if raw.PublishedAt != nil {
		ts := *raw.PublishedAt
		item.PublishedAt = &ts
	}
	return item
}

// Merge folds a duplicate observation into an existing item: the longer body
// wins along with its title, author, and extraction method; tags are unioned;
// annotations and FirstSeenAt are preserved.
func Merge(existing pipeline.ContentItem, raw pipeline.RawItem, now time.Time) pipeline.ContentItem {
	merged := existing.Clone()
	if utf8.RuneCountInString(raw.Body) > utf8.RuneCountInString(existing.Body) {
		merged.Body = raw.Body
		if title := strings.TrimSpace(raw.Title); title != "" {
			merged.Title = title
		}
		if raw.Author != "" {
			merged.Author = raw.Author
		}
		if raw.ExtractionMethod != "" {
			merged.ExtractionMethod = raw.ExtractionMethod
		}
	}
	if merged.Author == "" {
		merged.Author = raw.Author
	}
	if merged.PublishedAt == nil && raw.PublishedAt != nil {
		ts := *raw.PublishedAt
		merged.PublishedAt = &ts
	}
	merged.Tags = unionTags(merged.Tags, raw.Tags)
	merged.MergeCount++
	merged.UpdatedAt = now
	return merged
}

func unionTags(base, extra []string) []string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, tag := range slices.Concat(base, extra) {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		key := strings.ToLower(tag)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, tag)
	}
	return out
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}
