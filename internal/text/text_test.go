package text

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCountWords(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, CountWords("  "))
	require.Equal(t, 4, CountWords("## Go 1.23 is out"))
	require.Equal(t, 3, CountWords("one - two * three"))
}

func TestReadingMinutes(t *testing.T) {
	t.Parallel()

	tests := map[int]int{0: 0, 1: 1, 200: 1, 201: 2, 950: 5}
	for words, want := range tests {
		require.Equal(t, want, ReadingMinutes(words), "words=%d", words)
	}
}

func TestSentences(t *testing.T) {
	t.Parallel()

	got := Sentences("Go 1.23 shipped.  It adds iterators!\nWhat next? Range funcs")
	require.Equal(t, []string{"Go 1.23 shipped.", "It adds iterators!", "What next?", "Range funcs"}, got)
}

func TestExcerpt(t *testing.T) {
	t.Parallel()

	require.Equal(t, "First one. Second one.", Excerpt("First one. Second one. Third sentence is long.", 30))

	long := strings.Repeat("word ", 50)
	got := Excerpt(long, 20)
	require.True(t, strings.HasSuffix(got, "…"))
	require.LessOrEqual(t, len([]rune(got)), 20)
}

func TestTerms(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"golang", "generics", "c++"}, Terms("The Golang generics, and C++ in the GOLANG"))
	require.Empty(t, Terms("a an the of"))
}

func TestFirstWords(t *testing.T) {
	t.Parallel()

	require.Equal(t, "a b", FirstWords("a  b c", 2))
	require.Equal(t, "a b c", FirstWords("a b c", 5))
}
