package content

import (
	"sync"
	"sync/atomic"

	"github.com/golang/groupcache/lru"

	"github.com/cklxx/nowhow/internal/metrics"
	"github.com/cklxx/nowhow/internal/pipeline"
)

// itemCache is a bounded LRU of content items. A nil cache (capacity 0) is a
// valid, always-missing cache.
type itemCache struct {
	mu     sync.Mutex
	lru    *lru.Cache
	hits   atomic.Int64
	misses atomic.Int64
}

func newItemCache(capacity int) *itemCache {
	c := &itemCache{}
	if capacity > 0 {
		c.lru = lru.New(capacity)
	}
	return c
}

func (c *itemCache) get(fingerprint string) (pipeline.ContentItem, bool) {
	if c.lru == nil {
		c.misses.Add(1)
		metrics.ObserveCacheLookup(false)
		return pipeline.ContentItem{}, false
	}
	c.mu.Lock()
	v, ok := c.lru.Get(fingerprint)
	c.mu.Unlock()
	if !ok {
		c.misses.Add(1)
		metrics.ObserveCacheLookup(false)
		return pipeline.ContentItem{}, false
	}
	c.hits.Add(1)
	metrics.ObserveCacheLookup(true)
	item, _ := v.(pipeline.ContentItem)
	return item.Clone(), true
}

// peek looks an item up without touching the hit counters.
func (c *itemCache) peek(fingerprint string) (pipeline.ContentItem, bool) {
	if c.lru == nil {
		return pipeline.ContentItem{}, false
	}
	c.mu.Lock()
	v, ok := c.lru.Get(fingerprint)
	c.mu.Unlock()
	if !ok {
		return pipeline.ContentItem{}, false
	}
	item, _ := v.(pipeline.ContentItem)
	return item.Clone(), true
}

func (c *itemCache) add(item pipeline.ContentItem) {
	if c.lru == nil {
		return
	}
	c.mu.Lock()
	c.lru.Add(item.Fingerprint, item.Clone())
	c.mu.Unlock()
}

func (c *itemCache) remove(fingerprint string) {
	if c.lru == nil {
		return
	}
	c.mu.Lock()
	c.lru.Remove(fingerprint)
	c.mu.Unlock()
}

func (c *itemCache) len() int {
	if c.lru == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
