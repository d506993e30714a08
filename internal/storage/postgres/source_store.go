package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/cklxx/nowhow/internal/pipeline"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// SourceStore persists managed sources as JSONB rows; seq keeps insertion order.
type SourceStore struct {
	pool  querier
	table string
}

var _ pipeline.SourceStore = (*SourceStore)(nil)

// NewSourceStoreWithPool constructs a store over an existing pool.
func NewSourceStoreWithPool(pool querier, table string) (*SourceStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = "sources"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &SourceStore{pool: pool, table: table}, nil
}

// Sources returns a SourceStore sharing the workflow store's pool.
func (s *WorkflowStore) Sources(table string) (*SourceStore, error) {
	return NewSourceStoreWithPool(s.pool, table)
}

// EnsureSchema creates the source table when missing.
func (s *SourceStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			record JSONB NOT NULL
		)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create source table: %w", err)
	}
	return nil
}

// ListSources returns every source in insertion order.
func (s *SourceStore) ListSources(ctx context.Context) ([]pipeline.Source, error) {
	query, args, err := psql.Select("record").From(s.table).OrderBy("seq").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, pipeline.Unavailable("list sources", err)
	}
	records, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, pipeline.Unavailable("list sources", err)
	}
	out := make([]pipeline.Source, 0, len(records))
	for _, record := range records {
		var src pipeline.Source
		if err := json.Unmarshal(record, &src); err != nil {
			return nil, fmt.Errorf("decode source: %w", err)
		}
		out = append(out, src)
	}
	return out, nil
}

// SaveSource upserts src. An update keeps the row's seq.
func (s *SourceStore) SaveSource(ctx context.Context, src pipeline.Source) error {
	record, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("marshal source: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, record) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET record = EXCLUDED.record`, s.table)
	if _, err := s.pool.Exec(ctx, query, src.ID, record); err != nil {
		return pipeline.Unavailable("save source", err)
	}
	return nil
}

// DeleteSource removes the row for id.
func (s *SourceStore) DeleteSource(ctx context.Context, id string) error {
	query, args, err := psql.Delete(s.table).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return pipeline.Unavailable("delete source", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}
