// Package postgres implements a Postgres content backend. Items and articles
// are stored as JSONB payloads next to the columns used for indexing; every
// item write and its day-index row commit in one transaction.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cklxx/nowhow/internal/content"
	"github.com/cklxx/nowhow/internal/pipeline"
)

var validPrefix = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN string
	// TablePrefix names the tables <prefix>_items, <prefix>_day_index, and <prefix>_articles.
	TablePrefix     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// DB is the subset of pgxpool.Pool used by the backend.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Backend persists content in Postgres.
type Backend struct {
	db       DB
	items    string
	index    string
	articles string
}

var _ content.Backend = (*Backend)(nil)

// New connects a pool and returns a Backend.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.DSN == "" {
		return nil, errors.New("content.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithDB(pool, cfg.TablePrefix)
}

// NewWithDB constructs a backend from an existing pool (primarily for testing).
func NewWithDB(db DB, prefix string) (*Backend, error) {
	if db == nil {
		return nil, errors.New("pool is required")
	}
	if prefix == "" {
		prefix = "content"
	}
	if !validPrefix.MatchString(prefix) {
		return nil, fmt.Errorf("invalid table prefix %q", prefix)
	}
	return &Backend{
		db:       db,
		items:    prefix + "_items",
		index:    prefix + "_day_index",
		articles: prefix + "_articles",
	}, nil
}

// EnsureSchema creates the tables when missing.
func (b *Backend) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	fingerprint TEXT PRIMARY KEY,
	first_seen_at TIMESTAMPTZ NOT NULL,
	merge_count INTEGER NOT NULL,
	payload JSONB NOT NULL
)`, b.items),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	day TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	PRIMARY KEY (day, fingerprint)
)`, b.index),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	payload JSONB NOT NULL
)`, b.articles),
	}
	for _, stmt := range stmts {
		if _, err := b.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", classify("ensure schema", err))
		}
	}
	return nil
}

// LoadItem reads one item payload.
func (b *Backend) LoadItem(ctx context.Context, fingerprint string) (pipeline.ContentItem, error) {
	query, args, err := psql.Select("payload").From(b.items).Where(sq.Eq{"fingerprint": fingerprint}).ToSql()
	if err != nil {
		return pipeline.ContentItem{}, fmt.Errorf("build load query: %w", err)
	}
	var payload []byte
	if err := b.db.QueryRow(ctx, query, args...).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pipeline.ContentItem{}, pipeline.ErrNotFound
		}
		return pipeline.ContentItem{}, classify("load item", err)
	}
	var item pipeline.ContentItem
	if err := json.Unmarshal(payload, &item); err != nil {
		return pipeline.ContentItem{}, &pipeline.StorageError{Op: "decode item", Err: err}
	}
	return item, nil
}

// SaveItem upserts the item and its day-index row in one transaction.
func (b *Backend) SaveItem(ctx context.Context, item pipeline.ContentItem) (err error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}
	tx, err := b.db.Begin(ctx)
	if err != nil {
		return classify("begin save item", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	upsert := fmt.Sprintf(`INSERT INTO %s (fingerprint, first_seen_at, merge_count, payload)
VALUES ($1, $2, $3, $4)
ON CONFLICT (fingerprint) DO UPDATE
SET merge_count = EXCLUDED.merge_count, payload = EXCLUDED.payload`, b.items)
	if _, err = tx.Exec(ctx, upsert, item.Fingerprint, item.FirstSeenAt, item.MergeCount, payload); err != nil {
		return classify("upsert item", err)
	}
	indexRow := fmt.Sprintf(`INSERT INTO %s (day, fingerprint) VALUES ($1, $2)
ON CONFLICT (day, fingerprint) DO NOTHING`, b.index)
	if _, err = tx.Exec(ctx, indexRow, content.DayKey(item.FirstSeenAt), item.Fingerprint); err != nil {
		return classify("index item", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return classify("commit save item", err)
	}
	return nil
}

// DeleteItem removes the item and its index row in one transaction.
func (b *Backend) DeleteItem(ctx context.Context, fingerprint string) (err error) {
	tx, err := b.db.Begin(ctx)
	if err != nil {
		return classify("begin delete item", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	tag, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE fingerprint = $1`, b.items), fingerprint)
	if err != nil {
		return classify("delete item", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	if _, err = tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE fingerprint = $1`, b.index), fingerprint); err != nil {
		return classify("unindex item", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return classify("commit delete item", err)
	}
	return nil
}

// DayIndex lists the fingerprints first seen on day.
func (b *Backend) DayIndex(ctx context.Context, day string) ([]string, error) {
	query, args, err := psql.Select("fingerprint").
		From(b.index).
		Where(sq.Eq{"day": day}).
		OrderBy("fingerprint").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build day index query: %w", err)
	}
	rows, err := b.db.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("read day index", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify("scan day index", err)
	}
	return out, nil
}

// SaveArticle inserts an article once.
func (b *Backend) SaveArticle(ctx context.Context, article pipeline.Article) error {
	payload, err := json.Marshal(article)
	if err != nil {
		return fmt.Errorf("encode article: %w", err)
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (id, workflow_id, created_at, payload)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO NOTHING`, b.articles)
	tag, err := b.db.Exec(ctx, stmt, article.ID, article.WorkflowID, article.CreatedAt, payload)
	if err != nil {
		return classify("insert article", err)
	}
	if tag.RowsAffected() == 0 {
		return content.ErrArticleExists
	}
	return nil
}

// ListArticles returns articles ordered by created_at, filtered by workflowID when set.
func (b *Backend) ListArticles(ctx context.Context, workflowID string) ([]pipeline.Article, error) {
	builder := psql.Select("payload").From(b.articles).OrderBy("created_at", "id")
	if workflowID != "" {
		builder = builder.Where(sq.Eq{"workflow_id": workflowID})
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list articles query: %w", err)
	}
	rows, err := b.db.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("list articles", err)
	}
	payloads, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, classify("scan articles", err)
	}
	out := make([]pipeline.Article, 0, len(payloads))
	for _, payload := range payloads {
		var article pipeline.Article
		if err := json.Unmarshal(payload, &article); err != nil {
			return nil, &pipeline.StorageError{Op: "decode article", Err: err}
		}
		out = append(out, article)
	}
	return out, nil
}

// Counts aggregates item and article totals.
func (b *Backend) Counts(ctx context.Context) (content.Counts, error) {
	var counts content.Counts
	itemsQuery, _, err := psql.Select("COUNT(*)", "COALESCE(SUM(merge_count), 0)").From(b.items).ToSql()
	if err != nil {
		return counts, fmt.Errorf("build count query: %w", err)
	}
	if err := b.db.QueryRow(ctx, itemsQuery).Scan(&counts.Items, &counts.Observations); err != nil {
		return content.Counts{}, classify("count items", err)
	}
	articlesQuery, _, err := psql.Select("COUNT(*)").From(b.articles).ToSql()
	if err != nil {
		return counts, fmt.Errorf("build count query: %w", err)
	}
	if err := b.db.QueryRow(ctx, articlesQuery).Scan(&counts.Articles); err != nil {
		return content.Counts{}, classify("count articles", err)
	}
	return counts, nil
}

// Close releases the pool.
func (b *Backend) Close() error {
	if b != nil && b.db != nil {
		b.db.Close()
	}
	return nil
}

// classify marks connection-level failures as retryable; server-side SQL
// errors are permanent.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &pipeline.StorageError{Op: op, Err: err}
	}
	return pipeline.Unavailable(op, err)
}
