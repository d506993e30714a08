// Package postgres provides the Postgres-backed workflow store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cklxx/nowhow/internal/pipeline"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WorkflowStoreConfig controls the Postgres connection pool used for workflow records.
type WorkflowStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// WorkflowStore persists workflow records as JSONB rows keyed by ID.
type WorkflowStore struct {
	pool  querier
	table string
}

var _ pipeline.WorkflowStore = (*WorkflowStore)(nil)

// NewWorkflowStore creates a Postgres-backed WorkflowStore using the provided config.
func NewWorkflowStore(ctx context.Context, cfg WorkflowStoreConfig) (*WorkflowStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("workflow_store.postgres.dsn is required")
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
	return NewWorkflowStoreWithPool(pool, cfg.Table)
}

// NewWorkflowStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewWorkflowStoreWithPool(pool querier, table string) (*WorkflowStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = "workflows"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &WorkflowStore{pool: pool, table: table}, nil
}

// EnsureSchema creates the workflow table when missing.
func (s *WorkflowStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			record JSONB NOT NULL
		)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create workflow table: %w", err)
	}
	return nil
}

// SaveWorkflow upserts the record. The conditional update keeps terminal rows
// from being overwritten by a late non-terminal save.
func (s *WorkflowStore) SaveWorkflow(ctx context.Context, wf pipeline.Workflow) error {
	record, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (id, status, created_at, updated_at, record)
		VALUES ($1, $2, $3, now(), $4)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at, record = EXCLUDED.record
		WHERE %[1]s.status NOT IN ('completed', 'failed', 'cancelled')
		   OR EXCLUDED.status IN ('completed', 'failed', 'cancelled')`, s.table)
	if _, err := s.pool.Exec(ctx, query, wf.ID, string(wf.Status), wf.CreatedAt, record); err != nil {
		return pipeline.Unavailable("save workflow", err)
	}
	return nil
}

// GetWorkflow fetches a record by ID.
func (s *WorkflowStore) GetWorkflow(ctx context.Context, id string) (pipeline.Workflow, error) {
	query := fmt.Sprintf(`SELECT record FROM %s WHERE id = $1`, s.table)
	var record []byte
	if err := s.pool.QueryRow(ctx, query, id).Scan(&record); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pipeline.Workflow{}, pipeline.ErrNotFound
		}
		return pipeline.Workflow{}, pipeline.Unavailable("get workflow", err)
	}
	return decode(record)
}

// ListWorkflows returns up to limit records, newest first.
func (s *WorkflowStore) ListWorkflows(ctx context.Context, limit int) ([]pipeline.Workflow, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT record FROM %s ORDER BY created_at DESC, id DESC LIMIT $1`, s.table)
	return s.list(ctx, "list workflows", query, limit)
}

// ListUnfinished returns every pending or running record.
func (s *WorkflowStore) ListUnfinished(ctx context.Context) ([]pipeline.Workflow, error) {
	query := fmt.Sprintf(`SELECT record FROM %s WHERE status IN ('pending', 'running') ORDER BY created_at DESC`, s.table)
	return s.list(ctx, "list unfinished workflows", query)
}

// Close releases the pool.
func (s *WorkflowStore) Close() {
	s.pool.Close()
}

func (s *WorkflowStore) list(ctx context.Context, op, query string, args ...any) ([]pipeline.Workflow, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, pipeline.Unavailable(op, err)
	}
	records, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, pipeline.Unavailable(op, err)
	}
	out := make([]pipeline.Workflow, 0, len(records))
	for _, record := range records {
		wf, err := decode(record)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, nil
}

func decode(record []byte) (pipeline.Workflow, error) {
	var wf pipeline.Workflow
	if err := json.Unmarshal(record, &wf); err != nil {
		return pipeline.Workflow{}, fmt.Errorf("decode workflow: %w", err)
	}
	return wf, nil
}
