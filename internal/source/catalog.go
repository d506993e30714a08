// Package source manages the crawl source catalog and resolves which sources
// a workflow request should crawl.
//
// A catalog built with New is fixed. One opened over a pipeline.SourceStore
// accepts Create, Update and Delete, writing each change to the store before
// it becomes visible. Workflows resolve their sources at submission, so edits
// never affect a run that is already queued.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/cklxx/nowhow/internal/pipeline"
)

type file struct {
	Sources []pipeline.Source `yaml:"sources"`
}

// ErrReadOnly is returned by mutations on a catalog without a store.
var ErrReadOnly = errors.New("source catalog is read-only")

const defaultCategory = "general"

// Catalog is an ordered set of sources, safe for concurrent use.
type Catalog struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]pipeline.Source

	store pipeline.SourceStore
	ids   pipeline.IDGenerator
}

var _ pipeline.SourceCatalog = (*Catalog)(nil)

// Load reads a YAML catalog of the form `sources: [...]`.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML catalog bytes.
func Parse(data []byte) (*Catalog, error) {
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode sources: %w", err)
	}
	return New(f.Sources)
}

// New validates sources and builds a Catalog preserving their order.
func New(sources []pipeline.Source) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]pipeline.Source, len(sources))}
	var errs []error
	for i, src := range sources {
		if err := validate(src); err != nil {
			errs = append(errs, fmt.Errorf("sources[%d]: %w", i, err))
			continue
		}
		if _, dup := c.byID[src.ID]; dup {
			errs = append(errs, fmt.Errorf("sources[%d]: duplicate id %q", i, src.ID))
			continue
		}
		src.Categories = normalizeCategories(src.Categories)
		c.byID[src.ID] = src
		c.order = append(c.order, src.ID)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return c, nil
}

// Open builds a catalog persisted in store. An empty store is seeded from
// seed; otherwise the stored sources win and seed is ignored.
func Open(
	ctx context.Context,
	store pipeline.SourceStore,
	seed []pipeline.Source,
	ids pipeline.IDGenerator,
) (*Catalog, error) {
	if store == nil || ids == nil {
		return nil, errors.New("source store and id generator are required")
	}
	stored, err := store.ListSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("load sources: %w", err)
	}
	seeding := len(stored) == 0
	if seeding {
		stored = seed
	}
	c, err := New(stored)
	if err != nil {
		return nil, err
	}
	if seeding {
		for _, id := range c.order {
			if err := store.SaveSource(ctx, c.byID[id]); err != nil {
				return nil, fmt.Errorf("seed source %s: %w", id, err)
			}
		}
	}
	c.store = store
	c.ids = ids
	return c, nil
}

func validate(src pipeline.Source) error {
	if strings.TrimSpace(src.ID) == "" {
		return &pipeline.ValidationError{Field: "id", Reason: "is required"}
	}
	u, err := url.Parse(src.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &pipeline.ValidationError{Field: "url", Reason: fmt.Sprintf("of source %q must be an absolute http(s) URL", src.ID)}
	}
	switch src.Type {
	case pipeline.SourceRSS, pipeline.SourceWeb:
	default:
		return &pipeline.ValidationError{Field: "type", Reason: fmt.Sprintf("of source %q is unknown: %q", src.ID, src.Type)}
	}
	if src.MaxItems < 0 {
		return &pipeline.ValidationError{Field: "max_items", Reason: fmt.Sprintf("of source %q must be >= 0", src.ID)}
	}
	return nil
}

func normalizeCategories(in []string) []string {
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" && !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}

func clone(src pipeline.Source) pipeline.Source {
	src.Categories = slices.Clone(src.Categories)
	src.Selectors.Exclude = slices.Clone(src.Selectors.Exclude)
	return src
}

// Get returns the source with id.
func (c *Catalog) Get(id string) (pipeline.Source, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	src, ok := c.byID[id]
	if !ok {
		return pipeline.Source{}, false
	}
	return clone(src), true
}

// List returns every source in catalog order, active or not.
func (c *Catalog) List() []pipeline.Source {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]pipeline.Source, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, clone(c.byID[id]))
	}
	return out
}

// Create adds src, generating an ID when it has none. Name, URL and type are
// required; a reused ID is rejected.
func (c *Catalog) Create(ctx context.Context, src pipeline.Source) (pipeline.Source, error) {
	if c.store == nil {
		return pipeline.Source{}, ErrReadOnly
	}
	src.ID = strings.TrimSpace(src.ID)
	if src.ID == "" {
		id, err := c.ids.NewID()
		if err != nil {
			return pipeline.Source{}, fmt.Errorf("generate source id: %w", err)
		}
		src.ID = id
	}
	src, err := prepare(src)
	if err != nil {
		return pipeline.Source{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.byID[src.ID]; dup {
		return pipeline.Source{}, &pipeline.ValidationError{Field: "id", Reason: fmt.Sprintf("%q is already in use", src.ID)}
	}
	if err := c.store.SaveSource(ctx, src); err != nil {
		return pipeline.Source{}, fmt.Errorf("save source %s: %w", src.ID, err)
	}
	c.byID[src.ID] = src
	c.order = append(c.order, src.ID)
	return clone(src), nil
}

// Update applies patch to the source with id. The ID itself never changes.
func (c *Catalog) Update(ctx context.Context, id string, patch pipeline.SourcePatch) (pipeline.Source, error) {
	if c.store == nil {
		return pipeline.Source{}, ErrReadOnly
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.byID[id]
	if !ok {
		return pipeline.Source{}, fmt.Errorf("source %s: %w", id, pipeline.ErrNotFound)
	}
	updated, err := prepare(patch.Apply(clone(current)))
	if err != nil {
		return pipeline.Source{}, err
	}
	if err := c.store.SaveSource(ctx, updated); err != nil {
		return pipeline.Source{}, fmt.Errorf("save source %s: %w", id, err)
	}
	c.byID[id] = updated
	return clone(updated), nil
}

// Delete removes the source with id.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	if c.store == nil {
		return ErrReadOnly
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byID[id]; !ok {
		return fmt.Errorf("source %s: %w", id, pipeline.ErrNotFound)
	}
	if err := c.store.DeleteSource(ctx, id); err != nil && !errors.Is(err, pipeline.ErrNotFound) {
		return fmt.Errorf("delete source %s: %w", id, err)
	}
	delete(c.byID, id)
	c.order = slices.DeleteFunc(c.order, func(s string) bool { return s == id })
	return nil
}

// Stats counts sources by state, and active sources by category and type.
func (c *Catalog) Stats() pipeline.SourceStats {
	stats := pipeline.SourceStats{
		Categories: make(map[string]int),
		Types:      make(map[pipeline.SourceType]int),
	}
	for _, src := range c.List() {
		stats.Total++
		if !src.Active {
			stats.Inactive++
			continue
		}
		stats.Active++
		stats.Types[src.Type]++
		if len(src.Categories) == 0 {
			stats.Categories[defaultCategory]++
		}
		for _, cat := range src.Categories {
			stats.Categories[cat]++
		}
	}
	return stats
}

func prepare(src pipeline.Source) (pipeline.Source, error) {
	src.Name = strings.TrimSpace(src.Name)
	src.URL = strings.TrimSpace(src.URL)
	if src.Name == "" {
		return pipeline.Source{}, &pipeline.ValidationError{Field: "name", Reason: "is required"}
	}
	if err := validate(src); err != nil {
		return pipeline.Source{}, err
	}
	src.Categories = normalizeCategories(src.Categories)
	return src, nil
}

// Resolve picks sources for req: explicit IDs first, then active sources
// matching any requested category, then every active source.
func (c *Catalog) Resolve(req pipeline.StartRequest) ([]pipeline.Source, error) {
	if len(req.SourceIDs) > 0 {
		out := make([]pipeline.Source, 0, len(req.SourceIDs))
		seen := make(map[string]struct{}, len(req.SourceIDs))
		for _, id := range req.SourceIDs {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			src, ok := c.Get(id)
			if !ok {
				return nil, &pipeline.ValidationError{Field: "source_ids", Reason: fmt.Sprintf("contains unknown source %q", id)}
			}
			out = append(out, src)
		}
		return out, nil
	}

	wanted := normalizeCategories(req.Categories)
	var out []pipeline.Source
	for _, src := range c.List() {
		if !src.Active {
			continue
		}
		if len(wanted) > 0 && !slices.ContainsFunc(src.Categories, func(cat string) bool {
			return slices.Contains(wanted, cat)
		}) {
			continue
		}
		out = append(out, src)
	}
	if len(out) == 0 {
		if len(wanted) > 0 {
			return nil, &pipeline.ValidationError{Field: "categories", Reason: "match no active source"}
		}
		return nil, &pipeline.ValidationError{Field: "sources", Reason: "catalog has no active source"}
	}
	return out, nil
}
