package fingerprint

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"HTTPS://Example.COM:443/Post/?utm_source=x&b=2&a=1#frag": "https://example.com/Post?a=1&b=2",
		"http://example.com:80/":                                 "http://example.com",
		"https://example.com/a?fbclid=1&gclid=2&ref=home":        "https://example.com/a",
		"https://example.com:8443/a":                             "https://example.com:8443/a",
		"  not a url  ":                                          "not a url",
	}
	for in, want := range cases {
		require.Equal(t, want, NormalizeURL(in), in)
	}
}

func TestNormalizeTitle(t *testing.T) {
	t.Parallel()

	require.Equal(t, "hello brave world", NormalizeTitle("  Hello \n\tBrave   WORLD "))
}

func TestKeyStableAcrossCosmeticChanges(t *testing.T) {
	t.Parallel()

	base := Key("https://example.com/post", "A Title", "Body text goes here.")
	require.Len(t, base, 64)

	require.Equal(t, base, Key("https://EXAMPLE.com/post/?utm_campaign=spring", "A Title ", "Body text goes here.   \n"))
	require.Equal(t, base, Key("https://example.com/post#comments", "a   title", "Body  text\tgoes here."))
}

func TestKeyChangesWithMaterialBody(t *testing.T) {
	t.Parallel()

	a := Key("https://example.com/post", "A Title", "First version of the story.")
	b := Key("https://example.com/post", "A Title", "A completely different story.")
	require.NotEqual(t, a, b)
}

func TestBodyDigestWindow(t *testing.T) {
	t.Parallel()

	f := New(16)
	prefix := strings.Repeat("x", 16)
	require.Equal(t, f.BodyDigest(prefix+" tail one"), f.BodyDigest(prefix+" tail two"))
	require.NotEqual(t, New(0).BodyDigest(prefix+" tail one"), New(0).BodyDigest(prefix+" tail two"))
}
