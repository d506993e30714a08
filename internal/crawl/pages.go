package crawl

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/cklxx/nowhow/internal/fetcher"
	"github.com/cklxx/nowhow/internal/fetcher/headless"
	"github.com/cklxx/nowhow/internal/headless/detector"
	"github.com/cklxx/nowhow/internal/pipeline"
	"github.com/cklxx/nowhow/internal/policy/ratelimit"
)

// Pages fetches URLs politely.
type Pages struct {
	plain    fetcher.Fetcher
	headless fetcher.Fetcher
	limiter  *ratelimit.Limiter
	detector *detector.Heuristic
	blocked  *hostBlocklist
	logger   *zap.Logger
}

// NewPages wires the fetch path. headlessFetcher, limiter, and det may be nil.
func NewPages(
	plain fetcher.Fetcher,
	headlessFetcher fetcher.Fetcher,
	limiter *ratelimit.Limiter,
	det *detector.Heuristic,
	logger *zap.Logger,
) *Pages {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pages{
		plain:    plain,
		headless: headlessFetcher,
		limiter:  limiter,
		detector: det,
		logger:   logger,
	}
}

// Block refuses fetches to hosts matching patterns. Call before the first Get.
func (p *Pages) Block(patterns []string) *Pages {
	p.blocked = newHostBlocklist(patterns)
	return p
}

// Get fetches rawURL, rendering it headlessly when render is set or when the
// plain response looks like a client-rendered shell.
func (p *Pages) Get(ctx context.Context, rawURL string, render bool) (fetcher.Response, error) {
	if p.blocked.blocked(rawURL) {
		return fetcher.Response{}, fmt.Errorf("fetch %s: %w", rawURL, ErrBlocked)
	}
	f := p.plain
	if render {
		if p.headless == nil {
			return fetcher.Response{}, headless.ErrDisabled
		}
		f = p.headless
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, rawURL); err != nil {
			return fetcher.Response{}, err
		}
	}
	resp, err := f.Fetch(ctx, fetcher.Request{URL: rawURL})
	if err != nil {
		return fetcher.Response{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	if resp.URL == "" {
		resp.URL = rawURL
	}
	if p.limiter != nil {
		p.limiter.ReportStatus(rawURL, resp.StatusCode)
	}
	if err := fetcher.CheckStatus(resp); err != nil {
		return resp, err
	}
	if !render && p.headless != nil && p.detector != nil && p.detector.ShouldPromote(resp) {
		rendered, err := p.Get(ctx, rawURL, true)
		if err != nil {
			p.logger.Debug("headless promotion failed; keeping plain response",
				zap.String("url", rawURL), zap.Error(err))
			return resp, nil
		}
		return rendered, nil
	}
	return resp, nil
}

// classify turns a fetch or parse failure into a unit error for sourceID.
func classify(sourceID string, err error) error {
	var (
		statusErr *fetcher.StatusError
		unitErr   *pipeline.UnitError
		opErr     *net.OpError
	)
	switch {
	case errors.As(err, &unitErr):
		return err
	case errors.As(err, &statusErr):
		if statusErr.Retryable() {
			return pipeline.Transient(sourceID, err)
		}
		return pipeline.Permanent(sourceID, err)
	case errors.Is(err, headless.ErrDisabled), errors.Is(err, ErrBlocked), errors.Is(err, context.Canceled):
		return pipeline.Permanent(sourceID, err)
	case errors.As(err, &opErr), pipeline.IsTransient(err):
		return pipeline.Transient(sourceID, err)
	default:
		return pipeline.Permanent(sourceID, err)
	}
}
