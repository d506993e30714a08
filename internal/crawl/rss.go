package crawl

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/cklxx/nowhow/internal/metrics"
	"github.com/cklxx/nowhow/internal/pipeline"
)

// Config tunes both crawlers.
type Config struct {
	// MaxItems caps items per source when the source sets no limit (default 20).
	MaxItems int
	// FullTextMinRunes is the feed body length below which full-text sources
	// fetch the linked page (default 600).
	FullTextMinRunes int
}

func (c Config) withDefaults() Config {
	if c.MaxItems <= 0 {
		c.MaxItems = 20
	}
	if c.FullTextMinRunes <= 0 {
		c.FullTextMinRunes = 600
	}
	return c
}

func (c Config) limit(src pipeline.Source) int {
	if src.MaxItems > 0 {
		return src.MaxItems
	}
	return c.MaxItems
}

// RSSCrawler reads RSS, Atom, and JSON feeds.
type RSSCrawler struct {
	pages  *Pages
	cfg    Config
	logger *zap.Logger
}

var _ pipeline.Crawler = (*RSSCrawler)(nil)

// NewRSS builds an RSSCrawler.
func NewRSS(pages *Pages, cfg Config, logger *zap.Logger) *RSSCrawler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RSSCrawler{pages: pages, cfg: cfg.withDefaults(), logger: logger.Named("rss")}
}

// Crawl yields up to the source limit of feed entries.
func (c *RSSCrawler) Crawl(ctx context.Context, src pipeline.Source) iter.Seq2[pipeline.RawItem, error] {
	return func(yield func(pipeline.RawItem, error) bool) {
		resp, err := c.pages.Get(ctx, src.URL, false)
		if err != nil {
			yield(pipeline.RawItem{}, classify(src.ID, err))
			return
		}
		feed, err := gofeed.NewParser().Parse(bytes.NewReader(resp.Body))
		if err != nil {
			yield(pipeline.RawItem{}, pipeline.Permanent(src.ID, fmt.Errorf("parse feed: %w", err)))
			return
		}

		site := metrics.SanitizeSite(src.URL)
		limit := min(len(feed.Items), c.cfg.limit(src))
		for _, entry := range feed.Items[:limit] {
			if err := ctx.Err(); err != nil {
				yield(pipeline.RawItem{}, err)
				return
			}
			item := c.toRawItem(src, resp.URL, entry)
			if src.FullText && item.URL != "" && utf8.RuneCountInString(item.Body) < c.cfg.FullTextMinRunes {
				c.fillFullText(ctx, src, &item)
			}
			metrics.ObserveCrawlItem(site)
			if !yield(item, nil) {
				return
			}
		}
	}
}

func (c *RSSCrawler) toRawItem(src pipeline.Source, feedURL string, entry *gofeed.Item) pipeline.RawItem {
	body := entry.Content
	if strings.TrimSpace(body) == "" {
		body = entry.Description
	}
	item := pipeline.RawItem{
		SourceID:         src.ID,
		Title:            collapse(entry.Title),
		URL:              resolveLink(feedURL, entry.Link),
		Body:             htmlText(body),
		Tags:             append([]string(nil), entry.Categories...),
		ExtractionMethod: MethodFeed,
	}
	switch {
	case entry.Author != nil && entry.Author.Name != "":
		item.Author = entry.Author.Name
	case len(entry.Authors) > 0 && entry.Authors[0] != nil:
		item.Author = entry.Authors[0].Name
	}
	var published *time.Time
	switch {
	case entry.PublishedParsed != nil:
		published = entry.PublishedParsed
	case entry.UpdatedParsed != nil:
		published = entry.UpdatedParsed
	}
	if published != nil {
		ts := published.UTC()
		item.PublishedAt = &ts
	}
	return item
}

func (c *RSSCrawler) fillFullText(ctx context.Context, src pipeline.Source, item *pipeline.RawItem) {
	resp, err := c.pages.Get(ctx, item.URL, src.Render)
	if err != nil {
		c.logger.Debug("full text fetch failed", zap.String("url", item.URL), zap.Error(err))
		return
	}
	ext, err := Extract(resp.Body, resp.URL, src.Selectors)
	if err != nil {
		c.logger.Debug("full text extraction failed", zap.String("url", item.URL), zap.Error(err))
		return
	}
	if utf8.RuneCountInString(ext.Text) <= utf8.RuneCountInString(item.Body) {
		return
	}
	item.Body = ext.Text
	item.ExtractionMethod = ext.Method
	if item.Author == "" {
		item.Author = ext.Author
	}
}

func resolveLink(base, link string) string {
	link = strings.TrimSpace(link)
	if link == "" {
		return ""
	}
	ref, err := url.Parse(link)
	if err != nil {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref.String()
	}
	resolved := b.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	return resolved.String()
}
