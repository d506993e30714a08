package content

import (
	"context"
	"errors"
	"time"

	"github.com/cklxx/nowhow/internal/pipeline"
)

// ErrArticleExists rejects a second write of the same article ID.
var ErrArticleExists = errors.New("article already exists")

// DayLayout formats the per-day bucket keys of the time index.
const DayLayout = "2006-01-02"

// DayKey returns the UTC bucket that t belongs to.
func DayKey(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// Backend is the durable half of the store. Implementations must make a write
// durable before returning and report I/O failures through pipeline.Unavailable
// so that the store can retry them. Missing records return pipeline.ErrNotFound.
//
// Backends are not required to serialize writes to the same fingerprint; the
// store holds a shard lock around every read-modify-write.
type Backend interface {
	LoadItem(ctx context.Context, fingerprint string) (pipeline.ContentItem, error)
	// SaveItem upserts the item and indexes it under DayKey(item.FirstSeenAt).
	SaveItem(ctx context.Context, item pipeline.ContentItem) error
	// DeleteItem removes the item and its index entry. Deleting a missing item returns ErrNotFound.
	DeleteItem(ctx context.Context, fingerprint string) error
	// DayIndex lists the fingerprints first seen on the given day key.
	DayIndex(ctx context.Context, day string) ([]string, error)

	// SaveArticle inserts an article, returning ErrArticleExists on ID reuse.
	SaveArticle(ctx context.Context, article pipeline.Article) error
	// ListArticles returns the articles of one workflow, or all when workflowID is empty.
	ListArticles(ctx context.Context, workflowID string) ([]pipeline.Article, error)

	Counts(ctx context.Context) (Counts, error)
	Close() error
}

// Counts are the raw totals a backend reports for statistics.
type Counts struct {
	Items    int
	Articles int
	// Observations is the sum of MergeCount over all stored items.
	Observations int
}
