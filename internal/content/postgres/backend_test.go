package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/cklxx/nowhow/internal/content"
	"github.com/cklxx/nowhow/internal/pipeline"
)

func newMockBackend(t *testing.T) (*Backend, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	backend, err := NewWithDB(mock, "content")
	require.NoError(t, err)
	return backend, mock
}

func TestNewWithDBRejectsBadPrefix(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithDB(mock, "content; DROP TABLE x")
	require.Error(t, err)
	_, err = NewWithDB(nil, "")
	require.Error(t, err)
}

func TestSaveItemCommitsItemAndIndex(t *testing.T) {
	t.Parallel()

	backend, mock := newMockBackend(t)
	seen := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	item := pipeline.ContentItem{Fingerprint: "abc", Title: "t", FirstSeenAt: seen, MergeCount: 1}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO content_items").
		WithArgs("abc", seen, 1, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO content_day_index").
		WithArgs("2024-05-01", "abc").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, backend.SaveItem(context.Background(), item))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveItemRollsBackAndMarksUnavailable(t *testing.T) {
	t.Parallel()

	backend, mock := newMockBackend(t)
	item := pipeline.ContentItem{Fingerprint: "abc", FirstSeenAt: time.Unix(0, 0).UTC(), MergeCount: 1}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO content_items").
		WithArgs("abc", item.FirstSeenAt, 1, pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := backend.SaveItem(context.Background(), item)
	require.Error(t, err)
	require.True(t, pipeline.IsStorageUnavailable(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadItem(t *testing.T) {
	t.Parallel()

	backend, mock := newMockBackend(t)
	item := pipeline.ContentItem{Fingerprint: "abc", Title: "Hello", MergeCount: 2}
	payload, err := json.Marshal(item)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT payload FROM content_items WHERE fingerprint = \\$1").
		WithArgs("abc").
		WillReturnRows(pgxmock.NewRows([]string{"payload"}).AddRow(payload))
	mock.ExpectQuery("SELECT payload FROM content_items").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	got, err := backend.LoadItem(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, "Hello", got.Title)
	require.Equal(t, 2, got.MergeCount)

	_, err = backend.LoadItem(context.Background(), "missing")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveArticleOnce(t *testing.T) {
	t.Parallel()

	backend, mock := newMockBackend(t)
	article := pipeline.Article{ID: "a1", WorkflowID: "wf", CreatedAt: time.Unix(10, 0).UTC()}

	mock.ExpectExec("INSERT INTO content_articles").
		WithArgs("a1", "wf", article.CreatedAt, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO content_articles").
		WithArgs("a1", "wf", article.CreatedAt, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, backend.SaveArticle(context.Background(), article))
	require.ErrorIs(t, backend.SaveArticle(context.Background(), article), content.ErrArticleExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListArticlesFiltersByWorkflow(t *testing.T) {
	t.Parallel()

	backend, mock := newMockBackend(t)
	payload, err := json.Marshal(pipeline.Article{ID: "a1", WorkflowID: "wf"})
	require.NoError(t, err)

	mock.ExpectQuery("SELECT payload FROM content_articles WHERE workflow_id = \\$1 ORDER BY created_at, id").
		WithArgs("wf").
		WillReturnRows(pgxmock.NewRows([]string{"payload"}).AddRow(payload))

	got, err := backend.ListArticles(context.Background(), "wf")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "a1", got[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDayIndexAndDelete(t *testing.T) {
	t.Parallel()

	backend, mock := newMockBackend(t)
	mock.ExpectQuery("SELECT fingerprint FROM content_day_index WHERE day = \\$1 ORDER BY fingerprint").
		WithArgs("2024-05-01").
		WillReturnRows(pgxmock.NewRows([]string{"fingerprint"}).AddRow("a").AddRow("b"))

	keys, err := backend.DayIndex(context.Background(), "2024-05-01")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, keys)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM content_items").
		WithArgs("gone").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectRollback()

	require.ErrorIs(t, backend.DeleteItem(context.Background(), "gone"), pipeline.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClassify(t *testing.T) {
	t.Parallel()

	require.True(t, pipeline.IsStorageUnavailable(classify("op", errors.New("dial tcp: refused"))))
	require.False(t, pipeline.IsStorageUnavailable(classify("op", &pgconn.PgError{Code: "42P01"})))
}
