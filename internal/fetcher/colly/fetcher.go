// Package collyfetcher fetches pages and feeds over plain HTTP with gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/cklxx/nowhow/internal/fetcher"
)

const (
	defaultTimeout = 15 * time.Second
	acceptHeader   = "text/html,application/xhtml+xml,application/rss+xml,application/atom+xml,application/xml;q=0.9,*/*;q=0.8"
)

// ErrDisallowed is returned when robots.txt forbids the URL.
var ErrDisallowed = errors.New("disallowed by robots.txt")

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodyBytes truncates large responses; 0 keeps the colly default.
	MaxBodyBytes int
}

// Fetcher performs one GET per call on a clone of a shared collector, so
// connections and robots.txt lookups are reused across fetches.
type Fetcher struct {
	base *colly.Collector
}

var _ fetcher.Fetcher = (*Fetcher)(nil)

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.AllowURLRevisit())
	c.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 15 * time.Second,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	})
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	c.ParseHTTPErrorResponse = true
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c.SetRequestTimeout(cfg.Timeout)
	return &Fetcher{base: c}
}

// outcome is filled by collector callbacks on the visiting goroutine and read
// only after Visit returns.
type outcome struct {
	resp fetcher.Response
	err  error
}

// Fetch retrieves req.URL. Non-2xx responses are returned, not treated as
// errors; callers use fetcher.CheckStatus.
func (f *Fetcher) Fetch(ctx context.Context, req fetcher.Request) (fetcher.Response, error) {
	c := f.base.Clone()
	out := &outcome{}
	start := time.Now()

	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", acceptHeader)
		for key, values := range req.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	c.OnResponse(func(r *colly.Response) {
		out.resp = toResponse(r, time.Since(start))
	})
	c.OnError(func(r *colly.Response, err error) {
		// ParseHTTPErrorResponse routes status errors through OnResponse too.
		if r != nil && r.StatusCode != 0 {
			return
		}
		out.err = err
	})

	done := make(chan error, 1)
	go func() { done <- c.Visit(req.URL) }()

	select {
	case <-ctx.Done():
		return fetcher.Response{}, fmt.Errorf("get %s: %w", req.URL, ctx.Err())
	case err := <-done:
		if err == nil {
			err = out.err
		}
		switch {
		case errors.Is(err, colly.ErrRobotsTxtBlocked):
			return fetcher.Response{}, fmt.Errorf("get %s: %w", req.URL, ErrDisallowed)
		case err != nil:
			return fetcher.Response{}, fmt.Errorf("get %s: %w", req.URL, err)
		}
		return out.resp, nil
	}
}

func toResponse(r *colly.Response, took time.Duration) fetcher.Response {
	resp := fetcher.Response{
		StatusCode: r.StatusCode,
		Body:       append([]byte(nil), r.Body...),
		Duration:   took,
	}
	if r.Request != nil && r.Request.URL != nil {
		resp.URL = r.Request.URL.String()
	}
	if r.Headers != nil {
		resp.Headers = r.Headers.Clone()
	}
	return resp
}
