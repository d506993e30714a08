package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cklxx/nowhow/internal/pipeline"
	"github.com/cklxx/nowhow/internal/query"
)

func TestServer_StartWorkflow_Accepted(t *testing.T) {
	t.Parallel()

	wfs := &fakeWorkflows{id: "wf-1"}
	server := newTestServer(wfs, &fakeViews{})

	body := []byte(`{"topic":"golang","categories":["tech"]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/workflows", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp startResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "wf-1", resp.WorkflowID)
	require.Equal(t, "pending", resp.Status)
	require.Equal(t, "golang", wfs.started[0].Topic)
	require.Equal(t, []string{"tech"}, wfs.started[0].Categories)
}

func TestServer_StartWorkflow_BadBodies(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"malformed":     "{invalid",
		"unknown field": `{"topic":"go","depth":3}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			server := newTestServer(&fakeWorkflows{}, &fakeViews{})
			req := httptest.NewRequest(http.MethodPost, "/v1/workflows", bytes.NewBufferString(body))
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, req)
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestServer_ErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		err    error
		status int
		body   string
	}{
		{"validation", &pipeline.ValidationError{Field: "topic", Reason: "is required"}, http.StatusBadRequest, "topic"},
		{"queue full", fmt.Errorf("enqueue workflow: %w", pipeline.ErrQueueFull), http.StatusServiceUnavailable, "queue is full"},
		{"queue closed", pipeline.ErrQueueClosed, http.StatusServiceUnavailable, "queue closed"},
		{"internal", errors.New("disk on fire"), http.StatusInternalServerError, "internal server error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			server := newTestServer(&fakeWorkflows{startErr: tc.err}, &fakeViews{})
			req := httptest.NewRequest(http.MethodPost, "/v1/workflows", bytes.NewBufferString(`{"topic":"go"}`))
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, req)
			require.Equal(t, tc.status, rec.Code)
			require.Contains(t, rec.Body.String(), tc.body)
			require.NotContains(t, rec.Body.String(), "disk on fire")
		})
	}
}

func TestServer_GetWorkflow(t *testing.T) {
	t.Parallel()

	views := &fakeViews{workflows: map[string]query.WorkflowView{
		"wf-1": {ID: "wf-1", Status: pipeline.StatusRunning, CurrentStage: pipeline.StageCrawl, ProgressPercent: 10},
	}}
	server := newTestServer(&fakeWorkflows{}, views)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/workflows/wf-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var view query.WorkflowView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, pipeline.StatusRunning, view.Status)
	require.Equal(t, 10, view.ProgressPercent)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/workflows/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListWorkflows_Limit(t *testing.T) {
	t.Parallel()

	views := &fakeViews{}
	server := newTestServer(&fakeWorkflows{}, views)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/workflows?limit=7", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 7, views.lastLimit)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/workflows?limit=abc", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid limit")
}

func TestServer_CancelWorkflow(t *testing.T) {
	t.Parallel()

	wfs := &fakeWorkflows{cancellable: map[string]bool{"wf-1": true, "wf-done": false}}
	server := newTestServer(wfs, &fakeViews{})

	for id, want := range map[string]bool{"wf-1": true, "wf-done": false} {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/workflows/"+id+"/cancel", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var resp cancelResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, id, resp.WorkflowID)
		require.Equal(t, want, resp.Cancelled)
	}

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/workflows/nope/cancel", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListContent_ParsesFilter(t *testing.T) {
	t.Parallel()

	views := &fakeViews{}
	server := newTestServer(&fakeWorkflows{}, views)

	target := "/v1/content?from=2024-06-01T00:00:00Z&to=2024-06-02T00:00:00Z&category=tech&min_relevance=0.7&limit=5"
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "tech", views.lastFilter.Category)
	require.Equal(t, 5, views.lastFilter.Limit)
	require.InDelta(t, 0.7, views.lastFilter.MinRelevance, 1e-9)
	require.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), views.lastFilter.From)

	for _, bad := range []string{
		"/v1/content?from=yesterday",
		"/v1/content?min_relevance=high",
		"/v1/content?from=2024-06-02T00:00:00Z&to=2024-06-01T00:00:00Z",
	} {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, bad, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestServer_ContentStatisticsIsNotAFingerprint(t *testing.T) {
	t.Parallel()

	views := &fakeViews{stats: query.StatisticsView{Sources: 3}}
	server := newTestServer(&fakeWorkflows{}, views)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/content/statistics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"sources":3`)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/content/abc123", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ArticlesForUnknownWorkflow(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeWorkflows{}, &fakeViews{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/articles?workflow_id=ghost", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeWorkflows{}, &fakeViews{}, Options{AuthEnabled: true, APIKey: "secret"}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sources", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/sources", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sources?api_key=secret", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	// probes stay open
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var readyErr error
	server := NewServer(&fakeWorkflows{}, &fakeViews{}, Options{Ready: func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		return readyErr
	}}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	mu.Lock()
	readyErr = errors.New("postgres down")
	mu.Unlock()
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeWorkflows{}, &fakeViews{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type fakeWorkflows struct {
	mu          sync.Mutex
	id          string
	startErr    error
	started     []pipeline.StartRequest
	cancellable map[string]bool
}

func (f *fakeWorkflows) Start(_ context.Context, req pipeline.StartRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, req)
	return f.id, nil
}

func (f *fakeWorkflows) Cancel(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ok, known := f.cancellable[id]
	if !known {
		return false, pipeline.ErrNotFound
	}
	return ok, nil
}

type fakeViews struct {
	mu         sync.Mutex
	workflows  map[string]query.WorkflowView
	sources    []pipeline.Source
	stats      query.StatisticsView
	lastLimit  int
	lastFilter query.ContentFilter
}

func (f *fakeViews) Workflow(_ context.Context, id string) (query.WorkflowView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	view, ok := f.workflows[id]
	if !ok {
		return query.WorkflowView{}, fmt.Errorf("get workflow %s: %w", id, pipeline.ErrNotFound)
	}
	return view, nil
}

func (f *fakeViews) Workflows(_ context.Context, limit int) (query.WorkflowListView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit = limit
	return query.WorkflowListView{Workflows: []query.WorkflowView{}}, nil
}

func (f *fakeViews) Articles(ctx context.Context, workflowID string) (query.ArticlesView, error) {
	if workflowID != "" {
		if _, err := f.Workflow(ctx, workflowID); err != nil {
			return query.ArticlesView{}, err
		}
	}
	return query.ArticlesView{WorkflowID: workflowID, Articles: []pipeline.Article{}}, nil
}

func (f *fakeViews) Content(_ context.Context, filter query.ContentFilter) (query.ContentListView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFilter = filter
	return query.ContentListView{Items: []query.ContentSummary{}, Limit: filter.Limit}, nil
}

func (f *fakeViews) ContentItem(context.Context, string) (pipeline.ContentItem, error) {
	return pipeline.ContentItem{}, pipeline.ErrNotFound
}

func (f *fakeViews) Statistics(context.Context) (query.StatisticsView, error) {
	return f.stats, nil
}

func (f *fakeViews) Sources() []pipeline.Source {
	return f.sources
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

func newTestServer(wfs Workflows, views Views) *Server {
	return NewServer(wfs, views, Options{}, zap.NewNop())
}
