package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"

	"go.uber.org/zap"

	"github.com/cklxx/nowhow/internal/pipeline"
)

func ExampleServer_sources() {
	views := &fakeViews{sources: []pipeline.Source{
		{ID: "hn", Name: "Hacker News", URL: "https://news.ycombinator.com/rss", Type: pipeline.SourceRSS, Active: true},
	}}
	server := NewServer(&fakeWorkflows{}, views, Options{}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sources", nil))

	fmt.Println(rec.Code)
	fmt.Print(rec.Body.String())
	// Output:
	// 200
	// {"sources":[{"id":"hn","name":"Hacker News","url":"https://news.ycombinator.com/rss","type":"rss","active":true}],"count":1}
}
