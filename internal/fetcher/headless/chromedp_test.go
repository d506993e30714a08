package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/cklxx/nowhow/internal/fetcher"
)

func TestNewChromedpValidatesParallelism(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.ErrorContains(t, err, "max parallel")

	f, err := NewChromedp(Config{MaxParallel: 1, ExecPath: "/usr/bin/chromium"})
	require.NoError(t, err)
	t.Cleanup(f.Close)
	require.Equal(t, defaultNavTimeout, f.cfg.NavigationTimeout)
	require.NotNil(t, f.slots)

	unbounded, err := NewChromedp(Config{NavigationTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(unbounded.Close)
	require.Nil(t, unbounded.slots)
	require.Equal(t, time.Second, unbounded.cfg.NavigationTimeout)
}

func TestFetchWaitsForRenderSlot(t *testing.T) {
	t.Parallel()

	f, err := NewChromedp(Config{MaxParallel: 1, ExecPath: "/nonexistent/chrome"})
	require.NoError(t, err)
	t.Cleanup(f.Close)

	require.NoError(t, f.slots.Acquire(context.Background(), 1))
	defer f.slots.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx, fetcher.Request{URL: "https://example.com"})
	require.ErrorContains(t, err, "wait for render slot")
}

func TestDocumentResponseKeepsFirstDocument(t *testing.T) {
	t.Parallel()

	doc := &documentResponse{}
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeStylesheet,
		Response: &network.Response{Status: 200, URL: "https://example.com/site.css"},
	})
	doc.observe(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  203,
			URL:     "https://example.com/post",
			Headers: network.Headers{"Set-Cookie": "a=1\nb=2", "Content-Type": "text/html"},
		},
	})
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 200, URL: "https://ads.example.net/frame"},
	})
	doc.observe("not an event")

	status, headers, url := doc.result()
	require.Equal(t, 203, status)
	require.Equal(t, "https://example.com/post", url)
	require.Equal(t, []string{"a=1", "b=2"}, headers.Values("Set-Cookie"))

	headers.Set("Content-Type", "text/plain")
	_, again, _ := doc.result()
	require.Equal(t, "text/html", again.Get("Content-Type"))
}

func TestDocumentResponseEmpty(t *testing.T) {
	t.Parallel()

	status, headers, url := (&documentResponse{}).result()
	require.Zero(t, status)
	require.NotNil(t, headers)
	require.Empty(t, url)
}

func TestNetworkHeadersFoldRepeatedValues(t *testing.T) {
	t.Parallel()

	got := networkHeaders(http.Header{
		"Accept-Language": {"en", "de"},
		"X-Empty":         {},
		"Referer":         {"https://news.ycombinator.com/"},
	})
	require.Equal(t, network.Headers{
		"Accept-Language": "en\nde",
		"Referer":         "https://news.ycombinator.com/",
	}, got)
	require.Equal(t, []string{"en", "de"}, httpHeaders(got).Values("Accept-Language"))
}
