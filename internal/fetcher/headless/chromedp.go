// Package headless renders client-side pages in headless Chrome.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/cklxx/nowhow/internal/fetcher"
)

// ErrDisabled is returned when a source asks for rendering but headless
// browsing is switched off.
var ErrDisabled = errors.New("headless fetcher not configured")

const (
	defaultNavTimeout = 45 * time.Second
	settleInterval    = 250 * time.Millisecond
	settleRounds      = 12
)

const stripScripts = `(() => {
	const nodes = document.querySelectorAll("script, noscript");
	nodes.forEach(n => n.remove());
	return nodes.length;
})()`

// Articles only need markup and text, so heavy assets are never loaded.
var blockedResources = []string{
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.avif", "*.svg", "*.ico",
	"*.woff", "*.woff2", "*.ttf", "*.otf",
	"*.mp4", "*.webm", "*.mp3",
}

// Config controls the renderer.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// ExecPath points at a Chrome binary; empty lets chromedp search PATH.
	ExecPath string
}

// Fetcher renders pages in a shared headless Chrome and returns the DOM once
// its visible text stops growing.
type Fetcher struct {
	cfg      Config
	slots    *semaphore.Weighted
	browser  context.Context
	shutdown context.CancelFunc
}

var _ fetcher.Fetcher = (*Fetcher)(nil)

// NewChromedp prepares a Chrome allocator. The browser starts on first use.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("headless: max parallel must be >= 0, got %d", cfg.MaxParallel)
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	f := &Fetcher{cfg: cfg}
	if cfg.MaxParallel > 0 {
		f.slots = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.Flag("mute-audio", true),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	f.browser, f.shutdown = chromedp.NewExecAllocator(context.Background(), opts...)
	return f, nil
}

// Close stops the browser.
func (f *Fetcher) Close() {
	f.shutdown()
}

// Fetch navigates to req.URL and returns the rendered document with scripts
// removed. Status and headers come from the main document response.
func (f *Fetcher) Fetch(ctx context.Context, req fetcher.Request) (fetcher.Response, error) {
	if f.slots != nil {
		if err := f.slots.Acquire(ctx, 1); err != nil {
			return fetcher.Response{}, fmt.Errorf("wait for render slot: %w", err)
		}
		defer f.slots.Release(1)
	}

	tab, closeTab := chromedp.NewContext(f.browser)
	defer closeTab()
	stop := context.AfterFunc(ctx, closeTab)
	defer stop()
	tab, cancel := context.WithTimeout(tab, f.cfg.NavigationTimeout)
	defer cancel()

	doc := &documentResponse{}
	chromedp.ListenTarget(tab, doc.observe)

	start := time.Now()
	var (
		html, location string
		stripped       int
	)
	err := chromedp.Run(tab,
		f.prepare(req.Headers),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		waitForStableText(),
		chromedp.Evaluate(stripScripts, &stripped),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return fetcher.Response{}, fmt.Errorf("render %s: %w", req.URL, err)
	}

	status, headers, url := doc.result()
	if url == "" {
		url = location
	}
	if url == "" {
		url = req.URL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return fetcher.Response{
		URL:          url,
		StatusCode:   status,
		Headers:      headers,
		Body:         []byte(html),
		Duration:     time.Since(start),
		UsedHeadless: true,
	}, nil
}

func (f *Fetcher) prepare(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network: %w", err)
		}
		if err := network.SetBlockedURLs(blockedResources).Do(ctx); err != nil {
			return fmt.Errorf("block resources: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user agent: %w", err)
			}
		}
		if extra := networkHeaders(headers); len(extra) > 0 {
			if err := network.SetExtraHTTPHeaders(extra).Do(ctx); err != nil {
				return fmt.Errorf("set headers: %w", err)
			}
		}
		return nil
	})
}

// waitForStableText polls the body's text length until two consecutive reads
// agree, giving client-side renderers time to fill in the article.
func waitForStableText() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		last := -1
		for range settleRounds {
			var n int
			if err := chromedp.Evaluate(`document.body ? document.body.innerText.length : 0`, &n).Do(ctx); err != nil {
				return fmt.Errorf("measure text: %w", err)
			}
			if n > 0 && n == last {
				return nil
			}
			last = n
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(settleInterval):
			}
		}
		return nil
	})
}

// documentResponse records the first top-level document response of a tab.
type documentResponse struct {
	mu      sync.Mutex
	seen    bool
	status  int
	headers http.Header
	url     string
}

func (d *documentResponse) observe(ev any) {
	e, ok := ev.(*network.EventResponseReceived)
	if !ok || e.Type != network.ResourceTypeDocument || e.Response == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen {
		return
	}
	d.seen = true
	d.status = int(e.Response.Status)
	d.headers = httpHeaders(e.Response.Headers)
	d.url = e.Response.URL
}

func (d *documentResponse) result() (int, http.Header, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	headers := d.headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	return d.status, headers, d.url
}

// httpHeaders converts CDP headers. Chrome folds repeated headers into one
// newline-separated value.
func httpHeaders(src network.Headers) http.Header {
	out := make(http.Header, len(src))
	for key, value := range src {
		s, ok := value.(string)
		if !ok {
			s = fmt.Sprint(value)
		}
		for _, part := range strings.Split(s, "\n") {
			out.Add(key, part)
		}
	}
	return out
}

func networkHeaders(h http.Header) network.Headers {
	out := network.Headers{}
	for key, values := range h {
		if len(values) > 0 {
			out[key] = strings.Join(values, "\n")
		}
	}
	return out
}
