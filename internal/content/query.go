package content

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/cklxx/nowhow/internal/pipeline"
)

// Query filters a time-range scan. Zero To means now; zero From means To
// minus the store's query window.
type Query struct {
	From         time.Time
	To           time.Time
	Category     string
	MinRelevance float64
	// Limit stops the sequence after this many items; 0 means unbounded.
	Limit int
}

// QueryContent lazily walks the per-day buckets from To back to From and
// yields matching items ordered by FirstSeenAt descending. Each range over
// the returned sequence restarts the scan. An error is yielded once and ends
// the sequence.
func (s *Store) QueryContent(ctx context.Context, q Query) iter.Seq2[pipeline.ContentItem, error] {
	to := q.To
	if to.IsZero() {
		to = s.clock.Now()
	}
	from := q.From
	if from.IsZero() {
		from = to.Add(-s.queryWindow)
	}
	return func(yield func(pipeline.ContentItem, error) bool) {
		if from.After(to) {
			yield(pipeline.ContentItem{}, &pipeline.ValidationError{Field: "from", Reason: "must not be after to"})
			return
		}
		emitted := 0
		first := dayStart(from)
		for day := dayStart(to); !day.Before(first); day = day.AddDate(0, 0, -1) {
			if err := ctx.Err(); err != nil {
				yield(pipeline.ContentItem{}, fmt.Errorf("query content: %w", err))
				return
			}
			items, err := s.bucket(ctx, DayKey(day))
			if err != nil {
				yield(pipeline.ContentItem{}, err)
				return
			}
			for _, item := range items {
				if !q.matches(item, from, to) {
					continue
				}
				if !yield(item, nil) {
					return
				}
				emitted++
				if q.Limit > 0 && emitted >= q.Limit {
					return
				}
			}
		}
	}
}

// CollectContent drains QueryContent into a slice.
func (s *Store) CollectContent(ctx context.Context, q Query) ([]pipeline.ContentItem, error) {
	var out []pipeline.ContentItem
	for item, err := range s.QueryContent(ctx, q) {
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func (s *Store) bucket(ctx context.Context, day string) ([]pipeline.ContentItem, error) {
	var keys []string
	err := s.retry.Do(ctx, func(ctx context.Context, _ int) error {
		var err error
		keys, err = s.backend.DayIndex(ctx, day)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read day index %s: %w", day, err)
	}
	items := make([]pipeline.ContentItem, 0, len(keys))
	for _, key := range keys {
		item, err := s.GetContent(ctx, key)
		if errors.Is(err, pipeline.ErrNotFound) {
			// Purged between the index read and the load.
			continue
		}
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	slices.SortFunc(items, func(a, b pipeline.ContentItem) int {
		if c := b.FirstSeenAt.Compare(a.FirstSeenAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Fingerprint, b.Fingerprint)
	})
	return items, nil
}

func (q Query) matches(item pipeline.ContentItem, from, to time.Time) bool {
	if item.FirstSeenAt.Before(from) || item.FirstSeenAt.After(to) {
		return false
	}
	if q.Category != "" && !strings.EqualFold(item.Category, q.Category) {
		return false
	}
	return item.RelevanceScore >= q.MinRelevance
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
