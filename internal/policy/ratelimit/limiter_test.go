package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestLimiterWaitPacesSameHost(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://example.com/a"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://example.com/b"))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	start = time.Now()
	require.NoError(t, l.Wait(ctx, "https://other.example.org/"))
	require.Less(t, time.Since(start), 50*time.Millisecond, "hosts are paced independently")
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.01, DefaultBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.example"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://slow.example"))
}

func TestLimiterOverridesAndThrottling(t *testing.T) {
	t.Parallel()

	l := New(Config{HostRPS: map[string]float64{"API.example.com": 4}, MinRPS: 1})
	require.Equal(t, rate.Inf, l.Rate("unlimited.example"))
	require.Equal(t, rate.Limit(4), l.Rate("api.example.com"))

	l.ReportStatus("https://api.example.com/x", 200)
	require.Equal(t, rate.Limit(4), l.Rate("api.example.com"))
	l.ReportStatus("https://api.example.com/x", 429)
	require.Equal(t, rate.Limit(2), l.Rate("api.example.com"))
	l.ReportStatus("https://api.example.com/x", 503)
	l.ReportStatus("https://api.example.com/x", 503)
	require.Equal(t, rate.Limit(1), l.Rate("api.example.com"), "floored at MinRPS")
}
