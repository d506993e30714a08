package crawl

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"net/url"
	"slices"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/cklxx/nowhow/internal/metrics"
	"github.com/cklxx/nowhow/internal/pipeline"
)

const defaultLinkSelector = "article a[href], h2 a[href], h3 a[href]"

// WebCrawler discovers article links on a listing page and extracts each one.
type WebCrawler struct {
	pages  *Pages
	cfg    Config
	logger *zap.Logger
}

var _ pipeline.Crawler = (*WebCrawler)(nil)

// NewWeb builds a WebCrawler.
func NewWeb(pages *Pages, cfg Config, logger *zap.Logger) *WebCrawler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebCrawler{pages: pages, cfg: cfg.withDefaults(), logger: logger.Named("web")}
}

// Crawl yields one item per discovered article. A listing page without links
// is treated as a single article. Per-article failures are yielded and the
// crawl continues.
func (c *WebCrawler) Crawl(ctx context.Context, src pipeline.Source) iter.Seq2[pipeline.RawItem, error] {
	return func(yield func(pipeline.RawItem, error) bool) {
		listing, err := c.pages.Get(ctx, src.URL, src.Render)
		if err != nil {
			yield(pipeline.RawItem{}, classify(src.ID, err))
			return
		}
		links, err := discoverLinks(listing.Body, listing.URL, src.Selectors.Link, c.cfg.limit(src))
		if err != nil {
			yield(pipeline.RawItem{}, pipeline.Permanent(src.ID, err))
			return
		}
		site := metrics.SanitizeSite(src.URL)
		if len(links) == 0 {
			item, err := c.toRawItem(src, listing.URL, listing.Body)
			if err != nil {
				yield(pipeline.RawItem{}, err)
				return
			}
			metrics.ObserveCrawlItem(site)
			yield(item, nil)
			return
		}

		for _, link := range links {
			if err := ctx.Err(); err != nil {
				yield(pipeline.RawItem{}, err)
				return
			}
			page, err := c.pages.Get(ctx, link, src.Render)
			if err != nil {
				c.logger.Debug("article fetch failed", zap.String("url", link), zap.Error(err))
				if !yield(pipeline.RawItem{}, classify(src.ID, err)) {
					return
				}
				continue
			}
			item, err := c.toRawItem(src, page.URL, page.Body)
			if err != nil {
				if !yield(pipeline.RawItem{}, err) {
					return
				}
				continue
			}
			metrics.ObserveCrawlItem(site)
			if !yield(item, nil) {
				return
			}
		}
	}
}

func (c *WebCrawler) toRawItem(src pipeline.Source, pageURL string, body []byte) (pipeline.RawItem, error) {
	ext, err := Extract(body, pageURL, src.Selectors)
	if err != nil {
		return pipeline.RawItem{}, pipeline.Permanent(src.ID, fmt.Errorf("extract %s: %w", pageURL, err))
	}
	return pipeline.RawItem{
		SourceID:         src.ID,
		Title:            ext.Title,
		URL:              pageURL,
		Body:             ext.Text,
		Author:           ext.Author,
		Tags:             slices.Clone(src.Categories),
		ExtractionMethod: ext.Method,
	}, nil
}

// discoverLinks returns up to limit unique absolute links. Without an
// explicit selector only same-host links are followed.
func discoverLinks(body []byte, pageURL, selector string, limit int) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse listing: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse listing url: %w", err)
	}
	sameHostOnly := selector == ""
	if sameHostOnly {
		selector = defaultLinkSelector
	}

	var links []string
	doc.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, ok := s.Attr("href")
		if !ok {
			return true
		}
		ref, err := url.Parse(href)
		if err != nil {
			return true
		}
		abs := base.ResolveReference(ref)
		abs.Fragment = ""
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return true
		}
		if sameHostOnly && abs.Host != base.Host {
			return true
		}
		link := abs.String()
		if link == base.String() || slices.Contains(links, link) {
			return true
		}
		links = append(links, link)
		return len(links) < limit
	})
	return links, nil
}
