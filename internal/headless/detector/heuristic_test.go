package detector

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cklxx/nowhow/internal/fetcher"
)

func page(body string) fetcher.Response {
	return fetcher.Response{
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
		Body:       []byte(body),
	}
}

func TestHeuristicShouldPromote(t *testing.T) {
	t.Parallel()

	longText := strings.Repeat("a sentence about compilers ", 40)
	tests := []struct {
		name string
		resp fetcher.Response
		want bool
	}{
		{name: "empty body", resp: page("  \n"), want: true},
		{name: "next mount point", resp: page(`<html><body><div id="__next"></div><script src="/app.js"></script></body></html>`), want: true},
		{name: "script shell", resp: page(`<html><body><p>Loading</p><script>boot()</script></body></html>`), want: true},
		{name: "noscript notice", resp: page(`<html><body><noscript>Please enable JavaScript to continue.</noscript></body></html>`), want: true},
		{name: "server rendered next page", resp: page(`<html><body><div id="__next"><article><p>` + longText + `</p></article></div></body></html>`), want: false},
		{name: "thin page without scripts", resp: page(`<html><body><p>Moved.</p></body></html>`), want: false},
		{name: "static article", resp: page(`<html><body><article><p>` + longText + `</p></article></body></html>`), want: false},
	}
	h := NewHeuristic(0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, h.ShouldPromote(tt.resp))
		})
	}
}

func TestHeuristicIgnoresScriptText(t *testing.T) {
	t.Parallel()

	body := `<html><body><div id="root"></div><script>` + strings.Repeat("window.x=1;", 200) + `</script></body></html>`
	require.True(t, NewHeuristic(100).ShouldPromote(page(body)))
}

func TestHeuristicSkipsNonHTMLAndErrors(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)

	feed := page(`<rss><channel></channel></rss>`)
	feed.Headers.Set("Content-Type", "application/rss+xml")
	require.False(t, h.ShouldPromote(feed))

	missing := page(`<div id="__next"></div>`)
	missing.StatusCode = http.StatusNotFound
	require.False(t, h.ShouldPromote(missing))
}

func TestHeuristicNeverPromotesTwice(t *testing.T) {
	t.Parallel()

	resp := page(`<div id="__nuxt"></div>`)
	resp.UsedHeadless = true
	require.False(t, NewHeuristic(100).ShouldPromote(resp))
	resp.UsedHeadless = false
	require.True(t, NewHeuristic(100).ShouldPromote(resp))
}

func TestNewHeuristicDefaults(t *testing.T) {
	t.Parallel()

	require.Equal(t, defaultMinTextRunes, NewHeuristic(-1).MinTextRunes)
	require.Equal(t, 42, NewHeuristic(42).MinTextRunes)
}
