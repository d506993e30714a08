// Package redis implements a Redis content backend. Item writes and their
// day-set membership commit together in a MULTI/EXEC transaction; article
// writes and their list entries commit together in a Lua script.
//
// Key layout, all under the configured prefix:
//
//	<p>:item:<fingerprint>    JSON item
//	<p>:items                 set of fingerprints
//	<p>:merges                hash fingerprint -> merge count
//	<p>:day:<yyyy-mm-dd>      set of fingerprints first seen that day
//	<p>:article:<id>          JSON article
//	<p>:articles              list of article IDs in insertion order
//	<p>:wf:<workflow>         list of article IDs for one workflow
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/cklxx/nowhow/internal/content"
	"github.com/cklxx/nowhow/internal/pipeline"
)

// saveArticle claims KEYS[1] and indexes ARGV[2] atomically. It returns 0 when
// the article already exists.
var saveArticle = redis.NewScript(`
if not redis.call("SET", KEYS[1], ARGV[1], "NX") then
	return 0
end
redis.call("RPUSH", KEYS[2], ARGV[2])
redis.call("RPUSH", KEYS[3], ARGV[2])
return 1
`)

// Config holds connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Client is the subset of *redis.Client the backend uses.
type Client interface {
	redis.Cmdable
	Close() error
}

// Backend persists content in Redis.
type Backend struct {
	client Client
	prefix string
}

var _ content.Backend = (*Backend)(nil)

// New dials Redis and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("content.redis.addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(client, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client Client, prefix string) *Backend {
	if prefix == "" {
		prefix = "nowhow"
	}
	return &Backend{client: client, prefix: prefix}
}

func (b *Backend) itemKey(fp string) string { return b.prefix + ":item:" + fp }
func (b *Backend) itemsKey() string { return b.prefix + ":items" }
func (b *Backend) mergesKey() string { return b.prefix + ":merges" }
func (b *Backend) dayKey(day string) string { return b.prefix + ":day:" + day }
func (b *Backend) articleKey(id string) string { return b.prefix + ":article:" + id }
func (b *Backend) articlesKey() string { return b.prefix + ":articles" }
func (b *Backend) workflowKey(wf string) string { return b.prefix + ":wf:" + wf }

// LoadItem reads one item.
func (b *Backend) LoadItem(ctx context.Context, fingerprint string) (pipeline.ContentItem, error) {
	data, err := b.client.Get(ctx, b.itemKey(fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return pipeline.ContentItem{}, pipeline.ErrNotFound
	}
	if err != nil {
		return pipeline.ContentItem{}, pipeline.Unavailable("load item", err)
	}
	var item pipeline.ContentItem
	if err := json.Unmarshal(data, &item); err != nil {
		return pipeline.ContentItem{}, &pipeline.StorageError{Op: "decode item", Err: err}
	}
	return item, nil
}

// SaveItem writes the item, its membership sets, and merge count atomically.
func (b *Backend) SaveItem(ctx context.Context, item pipeline.ContentItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, b.itemKey(item.Fingerprint), data, 0)
		pipe.SAdd(ctx, b.itemsKey(), item.Fingerprint)
		pipe.SAdd(ctx, b.dayKey(content.DayKey(item.FirstSeenAt)), item.Fingerprint)
		pipe.HSet(ctx, b.mergesKey(), item.Fingerprint, item.MergeCount)
		return nil
	})
	if err != nil {
		return pipeline.Unavailable("save item", err)
	}
	return nil
}

// DeleteItem removes the item and every index entry atomically.
func (b *Backend) DeleteItem(ctx context.Context, fingerprint string) error {
	item, err := b.LoadItem(ctx, fingerprint)
	if err != nil {
		return err
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, b.itemKey(fingerprint))
		pipe.SRem(ctx, b.itemsKey(), fingerprint)
		pipe.SRem(ctx, b.dayKey(content.DayKey(item.FirstSeenAt)), fingerprint)
		pipe.HDel(ctx, b.mergesKey(), fingerprint)
		return nil
	})
	if err != nil {
		return pipeline.Unavailable("delete item", err)
	}
	return nil
}

// DayIndex lists the members of one day set.
func (b *Backend) DayIndex(ctx context.Context, day string) ([]string, error) {
	members, err := b.client.SMembers(ctx, b.dayKey(day)).Result()
	if err != nil {
		return nil, pipeline.Unavailable("read day index", err)
	}
	slices.Sort(members)
	return members, nil
}

// SaveArticle stores the article and appends its ID to both lists in one
// script, so a failed write never leaves an article that listings miss.
func (b *Backend) SaveArticle(ctx context.Context, article pipeline.Article) error {
	data, err := json.Marshal(article)
	if err != nil {
		return fmt.Errorf("encode article: %w", err)
	}
	keys := []string{b.articleKey(article.ID), b.articlesKey(), b.workflowKey(article.WorkflowID)}
	created, err := saveArticle.Run(ctx, b.client, keys, data, article.ID).Int()
	if err != nil {
		return pipeline.Unavailable("save article", err)
	}
	if created == 0 {
		return content.ErrArticleExists
	}
	return nil
}

// ListArticles resolves the ID list of a workflow (or all) with MGET.
func (b *Backend) ListArticles(ctx context.Context, workflowID string) ([]pipeline.Article, error) {
	listKey := b.articlesKey()
	if workflowID != "" {
		listKey = b.workflowKey(workflowID)
	}
	ids, err := b.client.LRange(ctx, listKey, 0, -1).Result()
	if err != nil {
		return nil, pipeline.Unavailable("list articles", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = b.articleKey(id)
	}
	values, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, pipeline.Unavailable("load articles", err)
	}
	out := make([]pipeline.Article, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var article pipeline.Article
		if err := json.Unmarshal([]byte(raw), &article); err != nil {
			return nil, &pipeline.StorageError{Op: "decode article", Err: err}
		}
		out = append(out, article)
	}
	return out, nil
}

// Counts reads set cardinalities and sums the merge hash.
func (b *Backend) Counts(ctx context.Context) (content.Counts, error) {
	items, err := b.client.SCard(ctx, b.itemsKey()).Result()
	if err != nil {
		return content.Counts{}, pipeline.Unavailable("count items", err)
	}
	articles, err := b.client.LLen(ctx, b.articlesKey()).Result()
	if err != nil {
		return content.Counts{}, pipeline.Unavailable("count articles", err)
	}
	merges, err := b.client.HVals(ctx, b.mergesKey()).Result()
	if err != nil {
		return content.Counts{}, pipeline.Unavailable("sum merges", err)
	}
	counts := content.Counts{Items: int(items), Articles: int(articles)}
	for _, m := range merges {
		n, err := strconv.Atoi(m)
		if err != nil {
			return content.Counts{}, &pipeline.StorageError{Op: "decode merge count", Err: err}
		}
		counts.Observations += n
	}
	return counts, nil
}

// Close closes the client.
func (b *Backend) Close() error {
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}
