// Package fetcher defines the page retrieval contract shared by the plain
// HTTP and headless browser fetchers.
package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Request describes one page retrieval.
type Request struct {
	URL     string
	Headers http.Header
}

// Response is a retrieved page.
type Response struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// Fetcher retrieves pages.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Response, error)
}

// StatusError reports a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= http.StatusInternalServerError
}

// CheckStatus returns a *StatusError for non-2xx responses.
func CheckStatus(resp Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &StatusError{URL: resp.URL, StatusCode: resp.StatusCode}
}
