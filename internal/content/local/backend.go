// Package local implements a filesystem content backend. Every record is a
// JSON file replaced atomically (temp file, fsync, rename); the day index is a
// directory of empty marker files per UTC day.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cklxx/nowhow/internal/content"
	"github.com/cklxx/nowhow/internal/pipeline"
)

// Config captures the parameters for the local filesystem backend.
type Config struct {
	// BaseDir is the root directory for items, articles, and the index.
	BaseDir string `mapstructure:"base_dir"`
}

// Backend stores content under BaseDir.
type Backend struct {
	baseDir string
}

var _ content.Backend = (*Backend)(nil)

// New validates BaseDir, creating it when missing, and checks it is writable.
func New(cfg Config) (*Backend, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, errors.New("base directory is required")
	}
	info, err := os.Stat(cfg.BaseDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, errors.New("base directory path is not a directory")
	}
	for _, dir := range []string{"items", "index", "articles"} {
		if err := os.MkdirAll(filepath.Join(cfg.BaseDir, dir), 0o750); err != nil {
			return nil, fmt.Errorf("base directory is not writable: %w", err)
		}
	}
	probe := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("clean up probe file: %w", err)
	}
	return &Backend{baseDir: cfg.BaseDir}, nil
}

// LoadItem reads one item file.
func (b *Backend) LoadItem(_ context.Context, fingerprint string) (pipeline.ContentItem, error) {
	path, err := b.itemPath(fingerprint)
	if err != nil {
		return pipeline.ContentItem{}, err
	}
	var item pipeline.ContentItem
	if err := readJSON(path, &item); err != nil {
		return pipeline.ContentItem{}, err
	}
	return item, nil
}

// SaveItem replaces the item file and touches its day marker.
func (b *Backend) SaveItem(_ context.Context, item pipeline.ContentItem) error {
	path, err := b.itemPath(item.Fingerprint)
	if err != nil {
		return err
	}
	if err := writeJSON(path, item); err != nil {
		return pipeline.Unavailable("save item", err)
	}
	marker := filepath.Join(b.baseDir, "index", content.DayKey(item.FirstSeenAt), item.Fingerprint)
	if _, err := os.Stat(marker); err == nil {
		return nil
	}
	if err := atomicWrite(marker, nil); err != nil {
		return pipeline.Unavailable("index item", err)
	}
	return nil
}

// DeleteItem removes the item file and its day marker.
func (b *Backend) DeleteItem(ctx context.Context, fingerprint string) error {
	item, err := b.LoadItem(ctx, fingerprint)
	if err != nil {
		return err
	}
	marker := filepath.Join(b.baseDir, "index", content.DayKey(item.FirstSeenAt), fingerprint)
	if err := os.Remove(marker); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return pipeline.Unavailable("unindex item", err)
	}
	path, _ := b.itemPath(fingerprint)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return pipeline.Unavailable("delete item", err)
	}
	return nil
}

// DayIndex lists the marker files of one day.
func (b *Backend) DayIndex(_ context.Context, day string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(b.baseDir, "index", filepath.Base(day)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, pipeline.Unavailable("read day index", err)
	}
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		out = append(out, entry.Name())
	}
	slices.Sort(out)
	return out, nil
}

// SaveArticle writes the article file if absent.
func (b *Backend) SaveArticle(_ context.Context, article pipeline.Article) error {
	path, err := b.articlePath(article.ID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return content.ErrArticleExists
	}
	if err := writeJSON(path, article); err != nil {
		return pipeline.Unavailable("save article", err)
	}
	return nil
}

// ListArticles reads every article file, filtered by workflowID when set.
func (b *Backend) ListArticles(_ context.Context, workflowID string) ([]pipeline.Article, error) {
	dir := filepath.Join(b.baseDir, "articles")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, pipeline.Unavailable("list articles", err)
	}
	var out []pipeline.Article
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		var article pipeline.Article
		if err := readJSON(filepath.Join(dir, entry.Name()), &article); err != nil {
			return nil, err
		}
		if workflowID != "" && article.WorkflowID != workflowID {
			continue
		}
		out = append(out, article)
	}
	return out, nil
}

// Counts walks the item and article directories.
func (b *Backend) Counts(context.Context) (content.Counts, error) {
	var counts content.Counts
	err := filepath.WalkDir(filepath.Join(b.baseDir, "items"), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}
		var item pipeline.ContentItem
		if err := readJSON(path, &item); err != nil {
			return err
		}
		counts.Items++
		counts.Observations += item.MergeCount
		return nil
	})
	if err != nil {
		return content.Counts{}, pipeline.Unavailable("count items", err)
	}
	entries, err := os.ReadDir(filepath.Join(b.baseDir, "articles"))
	if err != nil {
		return content.Counts{}, pipeline.Unavailable("count articles", err)
	}
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) == ".json" {
			counts.Articles++
		}
	}
	return counts, nil
}

// Close is a no-op.
func (b *Backend) Close() error { return nil }

func (b *Backend) itemPath(fingerprint string) (string, error) {
	if !validKey(fingerprint) || len(fingerprint) < 2 {
		return "", &pipeline.ValidationError{Field: "fingerprint", Reason: "is malformed"}
	}
	return filepath.Join(b.baseDir, "items", fingerprint[:2], fingerprint+".json"), nil
}

func (b *Backend) articlePath(id string) (string, error) {
	if !validKey(id) {
		return "", &pipeline.ValidationError{Field: "article.id", Reason: "is malformed"}
	}
	return filepath.Join(b.baseDir, "articles", id+".json"), nil
}

// validKey rejects keys that could escape the base directory.
func validKey(key string) bool {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return false
	}
	return !strings.HasPrefix(key, ".")
}

func readJSON(path string, dest any) error {
	data, err := os.ReadFile(path) // #nosec G304 -- paths are built from validated keys under baseDir.
	if errors.Is(err, fs.ErrNotExist) {
		return pipeline.ErrNotFound
	}
	if err != nil {
		return pipeline.Unavailable("read "+filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return &pipeline.StorageError{Op: "decode " + filepath.Base(path), Err: err}
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return atomicWrite(path, data)
}

// atomicWrite lands data at path via a synced temp file and a rename, then
// syncs the parent directory so the rename itself survives a crash.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename temp file: %w", err)
	}
	d, err := os.Open(dir) // #nosec G304 -- dir derives from baseDir.
	if err != nil {
		return fmt.Errorf("open parent directory: %w", err)
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync parent directory: %w", err)
	}
	return nil
}
