// Package detector decides when a plain HTTP page needs a headless re-fetch.
package detector

import (
	"bytes"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/cklxx/nowhow/internal/fetcher"
)

const defaultMinTextRunes = 500

// mountPoints are the root elements client-side frameworks render into.
const mountPoints = "#__next, #__nuxt, #root, #app, [data-reactroot], [ng-version], [data-server-rendered]"

// Heuristic promotes HTML pages whose server-rendered markup carries too
// little readable text to extract an article from, provided the page looks
// like it renders itself in the browser. A thin page without scripts stays
// thin in a browser too, so it is left alone.
type Heuristic struct {
	// MinTextRunes is the visible body text below which a page is thin.
	MinTextRunes int
}

// NewHeuristic returns a detector; zero selects the default threshold.
func NewHeuristic(minTextRunes int) *Heuristic {
	if minTextRunes <= 0 {
		minTextRunes = defaultMinTextRunes
	}
	return &Heuristic{MinTextRunes: minTextRunes}
}

// ShouldPromote reports whether resp looks like a client-rendered shell.
// Pages already fetched headlessly are never promoted again.
func (h *Heuristic) ShouldPromote(resp fetcher.Response) bool {
	if resp.StatusCode != 200 || resp.UsedHeadless || !isHTML(resp) {
		return false
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return false
	}

	mounted := doc.Find(mountPoints).Length() > 0
	scripts := doc.Find("script").Length()
	if !mounted && scripts == 0 && !asksForJavaScript(doc) {
		return false
	}

	doc.Find("script, style, noscript, template, svg").Remove()
	text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	return utf8.RuneCountInString(text) < h.MinTextRunes
}

func isHTML(resp fetcher.Response) bool {
	ct := resp.Headers.Get("Content-Type")
	if ct == "" {
		return true
	}
	media, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return true
	}
	return media == "text/html" || media == "application/xhtml+xml"
}

func asksForJavaScript(doc *goquery.Document) bool {
	found := false
	doc.Find("noscript").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.ToLower(s.Text())
		found = strings.Contains(text, "enable javascript") || strings.Contains(text, "requires javascript")
		return !found
	})
	return found
}
