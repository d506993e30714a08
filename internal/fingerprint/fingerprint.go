// Package fingerprint derives stable content identities used for deduplication.
//
// A key is the hex SHA-256 of the normalized URL, the normalized title, and a
// digest of the whitespace-collapsed leading body text, separated by 0x1f.
// Cosmetic differences such as trailing whitespace, tracking query parameters,
// or host casing collide; materially different bodies at the same URL do not.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// DefaultBodyRunes is how much of the normalized body feeds the digest.
const DefaultBodyRunes = 2048

const separator = "\x1f"

var trackingParams = map[string]struct{}{
	"fbclid":  {},
	"gclid":   {},
	"mc_cid":  {},
	"mc_eid":  {},
	"ref":     {},
	"ref_src": {},
	"igshid":  {},
	"yclid":   {},
	"_hsenc":  {},
	"_hsmi":   {},
}

// Fingerprinter computes keys with a fixed body window.
type Fingerprinter struct {
	bodyRunes int
}

// New returns a Fingerprinter that digests the first bodyRunes runes of the
// normalized body. Non-positive values use DefaultBodyRunes.
func New(bodyRunes int) Fingerprinter {
	if bodyRunes <= 0 {
		bodyRunes = DefaultBodyRunes
	}
	return Fingerprinter{bodyRunes: bodyRunes}
}

// Key returns the fingerprint of one logical item.
func (f Fingerprinter) Key(rawURL, title, body string) string {
	h := sha256.New()
	h.Write([]byte(NormalizeURL(rawURL)))
	h.Write([]byte(separator))
	h.Write([]byte(NormalizeTitle(title)))
	h.Write([]byte(separator))
	h.Write([]byte(f.BodyDigest(body)))
	return hex.EncodeToString(h.Sum(nil))
}

// BodyDigest hashes the leading window of the whitespace-collapsed body.
func (f Fingerprinter) BodyDigest(body string) string {
	window := collapseSpace(body)
	if f.bodyRunes > 0 {
		runes := []rune(window)
		if len(runes) > f.bodyRunes {
			window = string(runes[:f.bodyRunes])
		}
	}
	sum := sha256.Sum256([]byte(window))
	return hex.EncodeToString(sum[:])
}

// Key fingerprints with the default body window.
func Key(rawURL, title, body string) string {
	return New(DefaultBodyRunes).Key(rawURL, title, body)
}

// NormalizeTitle trims, collapses internal whitespace, and lowercases.
func NormalizeTitle(title string) string {
	return strings.ToLower(collapseSpace(title))
}

// NormalizeURL strips tracking parameters and cosmetic differences. Values
// that do not parse as absolute URLs are returned trimmed and lowercased so
// that the function stays total.
func NormalizeURL(rawURL string) string {
	trimmed := strings.TrimSpace(rawURL)
	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" {
		return strings.ToLower(trimmed)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	q := u.Query()
	for key := range q {
		if isTrackingParam(key) {
			q.Del(key)
		}
	}
	// Encode sorts by key.
	u.RawQuery = q.Encode()
	u.ForceQuery = false

	if len(u.Path) > 1 {
		u.Path = strings.TrimRight(u.Path, "/")
		u.RawPath = ""
	}
	if u.Path == "/" {
		u.Path = ""
	}
	return u.String()
}

func isTrackingParam(key string) bool {
	k := strings.ToLower(key)
	if strings.HasPrefix(k, "utm_") {
		return true
	}
	_, ok := trackingParams[k]
	return ok
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
