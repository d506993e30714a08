package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	Init()

	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/workflows/{workflow_id}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	r.Post("/v1/workflows/{workflow_id}/cancel", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.WriteHeader(http.StatusOK)
	})

	const route = "/v1/workflows/{workflow_id}"
	okBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, route, "200"))
	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/workflows/"+id, nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	require.InDelta(t, okBefore+2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, route, "200")), 1e-9)

	cancelRoute := route + "/cancel"
	notFound := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, cancelRoute, "404"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/workflows/a/cancel", nil))
	require.InDelta(t, notFound+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, cancelRoute, "404")), 1e-9)

	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}

func TestMiddlewareWithoutRouter(t *testing.T) {
	Init()

	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "418"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/anything", nil))
	require.InDelta(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "418")), 1e-9)
}

func TestStatusRecorderUnwrapsAndFlushes(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec}
	require.Equal(t, http.StatusOK, sr.code())
	require.Same(t, rec, sr.Unwrap())
	require.NoError(t, http.NewResponseController(sr).Flush())
	require.True(t, rec.Flushed)
}
