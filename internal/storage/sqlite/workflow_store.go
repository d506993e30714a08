// Package sqlite provides a single-file workflow store built on gorm, for
// deployments that want durable workflow history without running Postgres.
package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/cklxx/nowhow/internal/pipeline"
)

// workflowRow is the persisted shape; the full record travels as JSON.
type workflowRow struct {
	ID        string    `gorm:"primaryKey"`
	Status    string    `gorm:"index;not null"`
	CreatedAt time.Time `gorm:"index;not null"`
	UpdatedAt time.Time
	Record    []byte `gorm:"not null"`
}

func (workflowRow) TableName() string { return "workflows" }

// WorkflowStore persists workflow records in SQLite.
type WorkflowStore struct {
	db *gorm.DB
}

var _ pipeline.WorkflowStore = (*WorkflowStore)(nil)

// Open opens (or creates) the database at path and migrates the schema.
func Open(path string) (*WorkflowStore, error) {
	if path == "" {
		return nil, errors.New("workflow_store.sqlite.path is required")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return New(db)
}

// New wraps an existing gorm handle and migrates the schema.
func New(db *gorm.DB) (*WorkflowStore, error) {
	if err := db.AutoMigrate(&workflowRow{}); err != nil {
		return nil, fmt.Errorf("migrate workflows: %w", err)
	}
	return &WorkflowStore{db: db}, nil
}

// SaveWorkflow upserts a record inside a transaction; a terminal row is never
// replaced by a non-terminal one.
func (s *WorkflowStore) SaveWorkflow(ctx context.Context, wf pipeline.Workflow) error {
	record, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing workflowRow
		err := tx.Select("status").Take(&existing, "id = ?", wf.ID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		case pipeline.WorkflowStatus(existing.Status).IsTerminal() && !wf.Status.IsTerminal():
			return nil
		}
		return tx.Save(&workflowRow{
			ID:        wf.ID,
			Status:    string(wf.Status),
			CreatedAt: wf.CreatedAt,
			Record:    record,
		}).Error
	})
	if err != nil {
		return pipeline.Unavailable("save workflow", err)
	}
	return nil
}

// GetWorkflow fetches a record by ID.
func (s *WorkflowStore) GetWorkflow(ctx context.Context, id string) (pipeline.Workflow, error) {
	var row workflowRow
	err := s.db.WithContext(ctx).Take(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pipeline.Workflow{}, pipeline.ErrNotFound
	}
	if err != nil {
		return pipeline.Workflow{}, pipeline.Unavailable("get workflow", err)
	}
	return decode(row)
}

// ListWorkflows returns up to limit records, newest first.
func (s *WorkflowStore) ListWorkflows(ctx context.Context, limit int) ([]pipeline.Workflow, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []workflowRow
	err := s.db.WithContext(ctx).Order("created_at DESC").Order("id DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, pipeline.Unavailable("list workflows", err)
	}
	return decodeAll(rows)
}

// ListUnfinished returns every pending or running record.
func (s *WorkflowStore) ListUnfinished(ctx context.Context) ([]pipeline.Workflow, error) {
	var rows []workflowRow
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{string(pipeline.StatusPending), string(pipeline.StatusRunning)}).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, pipeline.Unavailable("list unfinished workflows", err)
	}
	return decodeAll(rows)
}

// Close releases the underlying connection.
func (s *WorkflowStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("sqlite handle: %w", err)
	}
	return sqlDB.Close()
}

func decode(row workflowRow) (pipeline.Workflow, error) {
	var wf pipeline.Workflow
	if err := json.Unmarshal(row.Record, &wf); err != nil {
		return pipeline.Workflow{}, fmt.Errorf("decode workflow %s: %w", row.ID, err)
	}
	return wf, nil
}

func decodeAll(rows []workflowRow) ([]pipeline.Workflow, error) {
	out := make([]pipeline.Workflow, 0, len(rows))
	for _, row := range rows {
		wf, err := decode(row)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, nil
}
