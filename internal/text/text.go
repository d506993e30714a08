// Package text holds the word, sentence, and excerpt helpers used by the
// analysis collaborators and the write stage.
package text

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf8"
)

// WordsPerMinute is the reading speed behind ReadingMinutes.
const WordsPerMinute = 200

// CountWords counts whitespace-separated words, ignoring markdown markers.
func CountWords(s string) int {
	n := 0
	for _, f := range strings.Fields(s) {
		if strings.IndexFunc(f, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) >= 0 {
			n++
		}
	}
	return n
}

// ReadingMinutes is words/200 rounded up, with a floor of one minute for
// non-empty text.
func ReadingMinutes(words int) int {
	if words <= 0 {
		return 0
	}
	return int(math.Ceil(float64(words) / WordsPerMinute))
}

// Sentences splits s on terminal punctuation followed by whitespace.
func Sentences(s string) []string {
	s = strings.Join(strings.Fields(s), " ")
	var (
		out   []string
		start int
	)
	for i, r := range s {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		next := i + utf8.RuneLen(r)
		if next < len(s) && s[next] != ' ' {
			continue
		}
		if sentence := strings.TrimSpace(s[start:next]); sentence != "" {
			out = append(out, sentence)
		}
		start = next
	}
	if rest := strings.TrimSpace(s[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

// Excerpt returns whole leading sentences up to maxRunes, or a word-boundary
// cut with an ellipsis when the first sentence is already too long.
func Excerpt(s string, maxRunes int) string {
	var b strings.Builder
	for _, sentence := range Sentences(s) {
		if utf8.RuneCountInString(b.String())+utf8.RuneCountInString(sentence)+1 > maxRunes {
			break
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(sentence)
	}
	if b.Len() > 0 {
		return b.String()
	}
	return TruncateWords(s, maxRunes)
}

// TruncateWords cuts s at a word boundary so the result, including the
// trailing ellipsis, fits in maxRunes.
func TruncateWords(s string, maxRunes int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	var b strings.Builder
	for _, w := range strings.Fields(s) {
		if utf8.RuneCountInString(b.String())+utf8.RuneCountInString(w)+2 > maxRunes {
			break
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w)
	}
	return b.String() + "…"
}

// FirstWords returns at most n words of s.
func FirstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) <= n {
		return strings.Join(fields, " ")
	}
	return strings.Join(fields[:n], " ")
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {}, "for": {},
	"from": {}, "has": {}, "have": {}, "in": {}, "is": {}, "it": {}, "its": {}, "of": {}, "on": {},
	"or": {}, "that": {}, "the": {}, "this": {}, "to": {}, "was": {}, "were": {}, "will": {},
	"with": {}, "about": {}, "into": {}, "over": {}, "new": {}, "how": {}, "what": {}, "why": {},
}

// Terms lowercases s and returns its distinct non-stopword terms of at least
// three runes, in order of first appearance.
func Terms(s string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '+' && r != '#'
	}) {
		if utf8.RuneCountInString(f) < 3 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
