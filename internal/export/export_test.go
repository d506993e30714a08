package export_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cklxx/nowhow/internal/export"
	"github.com/cklxx/nowhow/internal/pipeline"
	"github.com/cklxx/nowhow/internal/storage/memory"
)

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

func TestExportWritesBundle(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e, err := export.New(blobs, fixedClock(now), "")
	require.NoError(t, err)

	articles := []pipeline.Article{
		{ID: "a1", WorkflowID: "wf-1", Category: "tech"},
		{ID: "a2", WorkflowID: "wf-1", Category: "science"},
		{ID: "a3", WorkflowID: "wf-1", Category: "tech"},
	}
	uri, err := e.Export(context.Background(), pipeline.Workflow{ID: "wf-1", Topic: "go"}, articles)
	require.NoError(t, err)
	require.Equal(t, "memory://articles/wf-1.json", uri)

	obj, ok := blobs.Get("articles/wf-1.json")
	require.True(t, ok)
	require.Equal(t, "application/json", obj.ContentType)

	var doc export.Document
	require.NoError(t, json.Unmarshal(obj.Data, &doc))
	require.Equal(t, "wf-1", doc.WorkflowID)
	require.Equal(t, 3, doc.Total)
	require.Equal(t, []string{"science", "tech"}, doc.Categories)
	require.True(t, now.Equal(doc.CreatedAt))
	require.Len(t, doc.Articles, 3)
}

type failingBlobs struct{}

func (failingBlobs) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket gone")
}

func TestExportPropagatesBlobErrors(t *testing.T) {
	t.Parallel()

	e, err := export.New(failingBlobs{}, fixedClock(time.Now()), "exports")
	require.NoError(t, err)
	require.Equal(t, "exports/wf.json", e.Path("wf"))
	_, err = e.Export(context.Background(), pipeline.Workflow{ID: "wf"}, nil)
	require.ErrorContains(t, err, "bucket gone")
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := export.New(nil, fixedClock(time.Now()), "")
	require.Error(t, err)
	_, err = export.New(memory.NewBlobStore(), nil, "")
	require.Error(t, err)
}
