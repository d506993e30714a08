package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"https://News.YCombinator.com/rss": "news.ycombinator.com",
		"blog.golang.org/feed.atom":        "blog.golang.org",
		"example.com:8080":                 "example.com",
		"10.0.0.7":                         "10.0.0.7",
		"http://%":                         "unknown",
		"":                                 "unknown",
	}
	for in, want := range tests {
		require.Equal(t, want, SanitizeSite(in), "input %q", in)
	}
}

func TestObserversTolerateMissingInit(t *testing.T) {
	require.NotPanics(t, func() {
		ObserveWorkflow("completed")
		ObserveStage("crawl", "ok", time.Second)
		ObserveContentPut(false)
		ObserveCacheLookup(true)
		ObserveCrawlItem("https://example.com/a")
		ObserveRateLimitDelay("example.com", time.Millisecond)
	})
}

func TestObserversCountAfterInit(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(workflowsTotal.WithLabelValues("failed"))
	ObserveWorkflow("failed")
	require.InDelta(t, before+1, testutil.ToFloat64(workflowsTotal.WithLabelValues("failed")), 1e-9)

	running := testutil.ToFloat64(workflowsRunning)
	IncRunning()
	require.InDelta(t, running+1, testutil.ToFloat64(workflowsRunning), 1e-9)
	DecRunning()
	require.InDelta(t, running, testutil.ToFloat64(workflowsRunning), 1e-9)

	merged := testutil.ToFloat64(contentPutsTotal.WithLabelValues("merged"))
	ObserveContentPut(false)
	require.InDelta(t, merged+1, testutil.ToFloat64(contentPutsTotal.WithLabelValues("merged")), 1e-9)

	misses := testutil.ToFloat64(contentCacheTotal.WithLabelValues("miss"))
	ObserveCacheLookup(false)
	require.InDelta(t, misses+1, testutil.ToFloat64(contentCacheTotal.WithLabelValues("miss")), 1e-9)

	items := testutil.ToFloat64(crawlItemsTotal.WithLabelValues("lobste.rs"))
	ObserveCrawlItem("https://Lobste.rs/s/abc")
	require.InDelta(t, items+1, testutil.ToFloat64(crawlItemsTotal.WithLabelValues("lobste.rs")), 1e-9)

	ObserveStage("write", "failed", 2*time.Second)
	require.Positive(t, testutil.CollectAndCount(stageDurationSeconds))
}

func FuzzSanitizeSite(f *testing.F) {
	for _, seed := range []string{"https://news.ycombinator.com/rss", "ftp://example.com", "::"} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, raw string) {
		require.NotEmpty(t, SanitizeSite(raw))
	})
}
