package source_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cklxx/nowhow/internal/id/uuid"
	"github.com/cklxx/nowhow/internal/pipeline"
	"github.com/cklxx/nowhow/internal/source"
	"github.com/cklxx/nowhow/internal/storage/memory"
)

// brokenStore fails every write.
type brokenStore struct {
	*memory.SourceStore
}

func (brokenStore) SaveSource(context.Context, pipeline.Source) error {
	return pipeline.Unavailable("save source", errors.New("disk full"))
}

func openCatalog(t *testing.T, store pipeline.SourceStore) *source.Catalog {
	t.Helper()
	c, err := source.Open(context.Background(), store, loadCatalog(t).List(), uuid.New())
	require.NoError(t, err)
	return c
}

func TestOpenSeedsEmptyStoreOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewSourceStore()
	c := openCatalog(t, store)
	stored, err := store.ListSources(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"go-blog", "hn", "old"}, ids(stored))
	require.Equal(t, c.List(), stored)

	require.NoError(t, c.Delete(ctx, "old"))

	// A restart keeps the stored catalog and ignores the seed.
	reopened := openCatalog(t, store)
	require.Equal(t, []string{"go-blog", "hn"}, ids(reopened.List()))
}

func TestCreateAssignsIDAndNormalizes(t *testing.T) {
	t.Parallel()

	c := openCatalog(t, memory.NewSourceStore())
	created, err := c.Create(context.Background(), pipeline.Source{
		Name:       "  Lobsters ",
		URL:        " https://lobste.rs/rss ",
		Type:       pipeline.SourceRSS,
		Categories: []string{"Tech", "tech", " "},
		Active:     true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.Equal(t, "Lobsters", created.Name)
	require.Equal(t, "https://lobste.rs/rss", created.URL)
	require.Equal(t, []string{"tech"}, created.Categories)

	got, ok := c.Get(created.ID)
	require.True(t, ok)
	require.Equal(t, created, got)

	resolved, err := c.Resolve(pipeline.StartRequest{Categories: []string{"tech"}})
	require.NoError(t, err)
	require.Equal(t, []string{"hn", created.ID}, ids(resolved))
}

func TestCreateRejectsInvalidSources(t *testing.T) {
	t.Parallel()

	c := openCatalog(t, memory.NewSourceStore())
	cases := map[string]struct {
		src   pipeline.Source
		field string
	}{
		"missing name": {pipeline.Source{URL: "https://example.com", Type: pipeline.SourceWeb}, "name"},
		"relative url": {pipeline.Source{Name: "x", URL: "/feed", Type: pipeline.SourceRSS}, "url"},
		"duplicate id": {pipeline.Source{ID: "hn", Name: "x", URL: "https://example.com", Type: pipeline.SourceWeb}, "id"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.Create(context.Background(), tc.src)
			var verr *pipeline.ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, tc.field, verr.Field)
		})
	}
	require.Len(t, c.List(), 3)
}

func TestUpdateFeedsResolve(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewSourceStore()
	c := openCatalog(t, store)

	inactive := false
	updated, err := c.Update(ctx, "hn", pipeline.SourcePatch{Active: &inactive})
	require.NoError(t, err)
	require.False(t, updated.Active)
	require.Equal(t, "Hacker News", updated.Name)

	resolved, err := c.Resolve(pipeline.StartRequest{})
	require.NoError(t, err)
	require.Equal(t, []string{"go-blog"}, ids(resolved))

	stored, err := store.ListSources(ctx)
	require.NoError(t, err)
	require.False(t, stored[1].Active)

	badType := pipeline.SourceType("api")
	_, err = c.Update(ctx, "hn", pipeline.SourcePatch{Type: &badType})
	require.ErrorContains(t, err, `is unknown: "api"`)
	_, err = c.Update(ctx, "missing", pipeline.SourcePatch{})
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestDeleteRemovesSource(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := openCatalog(t, memory.NewSourceStore())
	require.NoError(t, c.Delete(ctx, "hn"))
	_, ok := c.Get("hn")
	require.False(t, ok)
	require.ErrorIs(t, c.Delete(ctx, "hn"), pipeline.ErrNotFound)

	_, err := c.Resolve(pipeline.StartRequest{SourceIDs: []string{"hn"}})
	require.Error(t, err)
}

func TestFailedWriteLeavesCatalogUnchanged(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	seeded := memory.NewSourceStore()
	openCatalog(t, seeded)
	c := openCatalog(t, brokenStore{seeded})

	_, err := c.Create(ctx, pipeline.Source{Name: "x", URL: "https://example.com", Type: pipeline.SourceWeb})
	require.True(t, pipeline.IsStorageUnavailable(err))
	inactive := false
	_, err = c.Update(ctx, "hn", pipeline.SourcePatch{Active: &inactive})
	require.True(t, pipeline.IsStorageUnavailable(err))

	require.Len(t, c.List(), 3)
	got, _ := c.Get("hn")
	require.True(t, got.Active)
}

func TestStatsCountActiveSources(t *testing.T) {
	t.Parallel()

	c := openCatalog(t, memory.NewSourceStore())
	_, err := c.Create(context.Background(), pipeline.Source{Name: "Plain", URL: "https://example.org/", Type: pipeline.SourceWeb, Active: true})
	require.NoError(t, err)

	stats := c.Stats()
	require.Equal(t, 4, stats.Total)
	require.Equal(t, 3, stats.Active)
	require.Equal(t, 1, stats.Inactive)
	require.Equal(t, map[string]int{"programming": 1, "go": 1, "tech": 1, "general": 1}, stats.Categories)
	require.Equal(t, map[pipeline.SourceType]int{pipeline.SourceRSS: 1, pipeline.SourceWeb: 2}, stats.Types)
}

func TestMutationsNeedAStore(t *testing.T) {
	t.Parallel()

	c := loadCatalog(t)
	_, err := c.Create(context.Background(), pipeline.Source{Name: "x", URL: "https://example.com", Type: pipeline.SourceWeb})
	require.ErrorIs(t, err, source.ErrReadOnly)
	_, err = c.Update(context.Background(), "hn", pipeline.SourcePatch{})
	require.ErrorIs(t, err, source.ErrReadOnly)
	require.ErrorIs(t, c.Delete(context.Background(), "hn"), source.ErrReadOnly)
}
