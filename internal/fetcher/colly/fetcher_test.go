package collyfetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/cklxx/nowhow/internal/fetcher"
)

func TestNewAppliesConfig(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "nowhow-test", MaxBodyBytes: 1024})
	require.Equal(t, "nowhow-test", f.base.UserAgent)
	require.True(t, f.base.IgnoreRobotsTxt)
	require.True(t, f.base.ParseHTTPErrorResponse)
	require.Equal(t, 1024, f.base.MaxBodySize)

	require.False(t, New(Config{RespectRobots: true}).base.IgnoreRobotsTxt)
}

func TestToResponseCopiesBuffers(t *testing.T) {
	t.Parallel()

	u, err := url.Parse("https://blog.example.com/post")
	require.NoError(t, err)
	body := []byte("<p>hi</p>")
	r := &colly.Response{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    &http.Header{"Content-Type": {"text/html"}},
		Request:    &colly.Request{URL: u},
	}
	resp := toResponse(r, time.Second)
	body[0] = 'X'

	require.Equal(t, "https://blog.example.com/post", resp.URL)
	require.Equal(t, "<p>hi</p>", string(resp.Body))
	require.Equal(t, "text/html", resp.Headers.Get("Content-Type"))
	require.Equal(t, time.Second, resp.Duration)

	bare := toResponse(&colly.Response{StatusCode: http.StatusNoContent}, 0)
	require.Empty(t, bare.URL)
	require.Nil(t, bare.Headers)
}

func TestFetchAgainstServer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/down":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/old":
			http.Redirect(w, r, "/feed.xml", http.StatusMovedPermanently)
		default:
			w.Header().Set("Content-Type", "application/rss+xml")
			_, _ = w.Write([]byte("<rss>" + r.Header.Get("X-Trace") + "|" + r.Header.Get("Accept") + "</rss>"))
		}
	}))
	t.Cleanup(srv.Close)

	f := New(Config{Timeout: 5 * time.Second})
	ctx := context.Background()

	resp, err := f.Fetch(ctx, fetcher.Request{URL: srv.URL + "/feed.xml", Headers: http.Header{"X-Trace": {"abc"}}})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(resp.Body), "abc|")
	require.Contains(t, string(resp.Body), "application/rss+xml")

	// The same URL can be fetched again.
	_, err = f.Fetch(ctx, fetcher.Request{URL: srv.URL + "/feed.xml"})
	require.NoError(t, err)

	resp, err = f.Fetch(ctx, fetcher.Request{URL: srv.URL + "/old"})
	require.NoError(t, err)
	require.Equal(t, srv.URL+"/feed.xml", resp.URL)

	resp, err = f.Fetch(ctx, fetcher.Request{URL: srv.URL + "/down"})
	require.NoError(t, err)
	var statusErr *fetcher.StatusError
	require.ErrorAs(t, fetcher.CheckStatus(resp), &statusErr)
	require.True(t, statusErr.Retryable())
}

func TestFetchRespectsRobots(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\n"))
			return
		}
		_, _ = w.Write([]byte("<html></html>"))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{RespectRobots: true, Timeout: 5 * time.Second})
	_, err := f.Fetch(context.Background(), fetcher.Request{URL: srv.URL + "/private/post"})
	require.ErrorIs(t, err, ErrDisallowed)

	_, err = f.Fetch(context.Background(), fetcher.Request{URL: srv.URL + "/public/post"})
	require.NoError(t, err)
}

func TestFetchHonorsCancellation(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-block
	}))
	t.Cleanup(func() {
		close(block)
		srv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(Config{Timeout: 5 * time.Second}).Fetch(ctx, fetcher.Request{URL: srv.URL})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
