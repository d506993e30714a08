package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/cklxx/nowhow/internal/pipeline"
)

// sourceRow keeps insertion order in Seq; the source travels as JSON.
type sourceRow struct {
	Seq      uint   `gorm:"primaryKey;autoIncrement"`
	SourceID string `gorm:"column:source_id;uniqueIndex;not null"`
	Record   []byte `gorm:"not null"`
}

func (sourceRow) TableName() string { return "sources" }

// SourceStore persists managed sources in SQLite.
type SourceStore struct {
	db *gorm.DB
}

var _ pipeline.SourceStore = (*SourceStore)(nil)

// NewSourceStore migrates the sources table on db.
func NewSourceStore(db *gorm.DB) (*SourceStore, error) {
	if err := db.AutoMigrate(&sourceRow{}); err != nil {
		return nil, fmt.Errorf("migrate sources: %w", err)
	}
	return &SourceStore{db: db}, nil
}

// Sources returns a SourceStore sharing the workflow database.
func (s *WorkflowStore) Sources() (*SourceStore, error) {
	return NewSourceStore(s.db)
}

// ListSources returns every source in insertion order.
func (s *SourceStore) ListSources(ctx context.Context) ([]pipeline.Source, error) {
	var rows []sourceRow
	if err := s.db.WithContext(ctx).Order("seq").Find(&rows).Error; err != nil {
		return nil, pipeline.Unavailable("list sources", err)
	}
	out := make([]pipeline.Source, 0, len(rows))
	for _, row := range rows {
		var src pipeline.Source
		if err := json.Unmarshal(row.Record, &src); err != nil {
			return nil, fmt.Errorf("decode source %s: %w", row.SourceID, err)
		}
		out = append(out, src)
	}
	return out, nil
}

// SaveSource inserts src or rewrites the existing row in place.
func (s *SourceStore) SaveSource(ctx context.Context, src pipeline.Source) error {
	record, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("marshal source: %w", err)
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing sourceRow
		err := tx.Select("seq").Take(&existing, "source_id = ?", src.ID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&sourceRow{SourceID: src.ID, Record: record}).Error
		case err != nil:
			return err
		}
		return tx.Model(&sourceRow{}).Where("seq = ?", existing.Seq).Update("record", record).Error
	})
	if err != nil {
		return pipeline.Unavailable("save source", err)
	}
	return nil
}

// DeleteSource removes the row for id.
func (s *SourceStore) DeleteSource(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("source_id = ?", id).Delete(&sourceRow{})
	if res.Error != nil {
		return pipeline.Unavailable("delete source", res.Error)
	}
	if res.RowsAffected == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}
