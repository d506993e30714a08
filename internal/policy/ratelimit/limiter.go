// Package ratelimit paces crawl requests per host with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cklxx/nowhow/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// DefaultRPS applies to hosts without an override; <= 0 disables limiting.
	DefaultRPS   float64
	DefaultBurst int
	// HostRPS overrides the rate for specific hosts.
	HostRPS map[string]float64
	// MinRPS floors the rate after throttling responses (default 0.1).
	MinRPS float64
}

// Limiter manages per-host rate limits. Throttling responses (429/503) halve
// the host's rate down to MinRPS.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	cfg      Config
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	if cfg.DefaultBurst <= 0 {
		cfg.DefaultBurst = 1
	}
	if cfg.MinRPS <= 0 {
		cfg.MinRPS = 0.1
	}
	hosts := make(map[string]float64, len(cfg.HostRPS))
	for host, rps := range cfg.HostRPS {
		hosts[strings.ToLower(host)] = rps
	}
	cfg.HostRPS = hosts
	return &Limiter{limiters: make(map[string]*rate.Limiter), cfg: cfg}
}

// Wait blocks until a token is available for the URL's host, respecting ctx.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	limiter := l.limiter(host)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

// ReportStatus feeds a response status back; throttling statuses slow the host down.
func (l *Limiter) ReportStatus(rawURL string, status int) {
	if status != http.StatusTooManyRequests && status != http.StatusServiceUnavailable {
		return
	}
	limiter := l.limiter(hostOf(rawURL))
	current := limiter.Limit()
	if current == rate.Inf {
		current = 1
	}
	next := max(float64(current)/2, l.cfg.MinRPS)
	limiter.SetLimit(rate.Limit(next))
}

// Rate reports the current limit for a host.
func (l *Limiter) Rate(host string) rate.Limit {
	return l.limiter(strings.ToLower(host)).Limit()
}

func (l *Limiter) limiter(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[host]; ok {
		return lim
	}
	rps, ok := l.cfg.HostRPS[host]
	if !ok {
		rps = l.cfg.DefaultRPS
	}
	r := rate.Limit(rps)
	if rps <= 0 {
		r = rate.Inf
	}
	lim := rate.NewLimiter(r, l.cfg.DefaultBurst)
	l.limiters[host] = lim
	return lim
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
