package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/cklxx/nowhow/internal/pipeline"
)

// SourceStore keeps managed sources in process memory.
type SourceStore struct {
	mu      sync.RWMutex
	sources []pipeline.Source
}

var _ pipeline.SourceStore = (*SourceStore)(nil)

// NewSourceStore constructs an empty SourceStore.
func NewSourceStore() *SourceStore {
	return &SourceStore{}
}

// ListSources returns copies in insertion order.
func (s *SourceStore) ListSources(context.Context) ([]pipeline.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pipeline.Source, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, copySource(src))
	}
	return out, nil
}

// SaveSource appends src or replaces the stored source with its ID.
func (s *SourceStore) SaveSource(_ context.Context, src pipeline.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src = copySource(src)
	if i := s.index(src.ID); i >= 0 {
		s.sources[i] = src
		return nil
	}
	s.sources = append(s.sources, src)
	return nil
}

// DeleteSource removes the source with id.
func (s *SourceStore) DeleteSource(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(id)
	if i < 0 {
		return pipeline.ErrNotFound
	}
	s.sources = slices.Delete(s.sources, i, i+1)
	return nil
}

func (s *SourceStore) index(id string) int {
	return slices.IndexFunc(s.sources, func(src pipeline.Source) bool { return src.ID == id })
}

func copySource(src pipeline.Source) pipeline.Source {
	src.Categories = slices.Clone(src.Categories)
	src.Selectors.Exclude = slices.Clone(src.Selectors.Exclude)
	return src
}
