package crawl

import (
	"context"
	"fmt"
	"iter"

	"github.com/cklxx/nowhow/internal/pipeline"
)

// Router dispatches a source to the crawler registered for its type.
type Router struct {
	crawlers map[pipeline.SourceType]pipeline.Crawler
}

var _ pipeline.Crawler = (*Router)(nil)

// NewRouter registers the built-in RSS and web crawlers.
func NewRouter(rss, web pipeline.Crawler) *Router {
	return &Router{crawlers: map[pipeline.SourceType]pipeline.Crawler{
		pipeline.SourceRSS: rss,
		pipeline.SourceWeb: web,
	}}
}

// Crawl delegates to the crawler for src.Type.
func (r *Router) Crawl(ctx context.Context, src pipeline.Source) iter.Seq2[pipeline.RawItem, error] {
	c, ok := r.crawlers[src.Type]
	if !ok || c == nil {
		return func(yield func(pipeline.RawItem, error) bool) {
			yield(pipeline.RawItem{}, pipeline.Permanent(src.ID, fmt.Errorf("no crawler for source type %q", src.Type)))
		}
	}
	return c.Crawl(ctx, src)
}
