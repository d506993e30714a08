package crawl

import (
	"errors"
	"net/url"
	"slices"
	"strings"
)

// ErrBlocked reports a URL whose host matches the configured blocklist.
var ErrBlocked = errors.New("host is blocked")

// hostBlocklist stores exact hosts and suffix wildcards.
type hostBlocklist struct {
	exact    map[string]struct{}
	suffixes []string
}

// newHostBlocklist accepts "example.com", "*.example.com", or ".example.com".
// It returns nil when no usable pattern remains.
func newHostBlocklist(patterns []string) *hostBlocklist {
	b := &hostBlocklist{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.ToLower(strings.TrimSpace(raw))
		switch {
		case value == "":
		case strings.HasPrefix(value, "*."), strings.HasPrefix(value, "."):
			suffix := strings.TrimLeft(strings.TrimPrefix(value, "*"), ".")
			if suffix != "" && !slices.Contains(b.suffixes, suffix) {
				b.suffixes = append(b.suffixes, suffix)
			}
		default:
			b.exact[value] = struct{}{}
		}
	}
	if len(b.exact) == 0 && len(b.suffixes) == 0 {
		return nil
	}
	return b
}

func (b *hostBlocklist) blocked(rawURL string) bool {
	if b == nil {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	if _, ok := b.exact[host]; ok {
		return true
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
