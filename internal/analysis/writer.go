package analysis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/cklxx/nowhow/internal/pipeline"
	"github.com/cklxx/nowhow/internal/text"
)

// WriterConfig sizes drafts.
type WriterConfig struct {
	// TargetWords is the approximate body length (default 600).
	TargetWords int
	// MinItemWords floors the excerpt taken from each item (default 40).
	MinItemWords int
	// MaxTags caps article tags (default 8).
	MaxTags int
}

// Writer assembles a markdown roundup from a category group.
type Writer struct {
	cfg WriterConfig
}

var _ pipeline.Writer = (*Writer)(nil)

// NewWriter builds a Writer.
func NewWriter(cfg WriterConfig) *Writer {
	if cfg.TargetWords <= 0 {
		cfg.TargetWords = 600
	}
	if cfg.MinItemWords <= 0 {
		cfg.MinItemWords = 40
	}
	if cfg.MaxTags <= 0 {
		cfg.MaxTags = 8
	}
	return &Writer{cfg: cfg}
}

// Write drafts one article. Items appear in descending relevance.
func (w *Writer) Write(ctx context.Context, group pipeline.CategoryGroup, research pipeline.Research) (pipeline.Draft, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.Draft{}, err
	}
	if len(group.Items) == 0 {
		return pipeline.Draft{}, errors.New("category group has no items")
	}
	items := slices.Clone(group.Items)
	slices.SortStableFunc(items, func(a, b pipeline.ContentItem) int {
		switch {
		case a.RelevanceScore > b.RelevanceScore:
			return -1
		case a.RelevanceScore < b.RelevanceScore:
			return 1
		}
		return strings.Compare(a.Fingerprint, b.Fingerprint)
	})

	label := displayName(group.Category)
	title := fmt.Sprintf("%s roundup: %s", label, items[0].Title)
	if group.Topic != "" {
		title = fmt.Sprintf("%s in %s: %s", group.Topic, label, items[0].Title)
	}

	intro := fmt.Sprintf("This roundup collects %d %s stories", len(items), strings.ToLower(label))
	if group.Topic != "" {
		intro += " about " + group.Topic
	}
	intro += "."

	perItem := max(w.cfg.MinItemWords, w.cfg.TargetWords/len(items))
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n%s\n\n", title, intro)
	for _, item := range items {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", item.Title, text.FirstWords(item.Body, perItem))
		for _, kp := range item.KeyPoints {
			fmt.Fprintf(&b, "- %s\n", kp)
		}
		if len(item.KeyPoints) > 0 {
			b.WriteString("\n")
		}
		if item.URL != "" {
			fmt.Fprintf(&b, "Source: %s\n\n", item.URL)
		}
	}
	if len(research.Notes) > 0 {
		b.WriteString("## Research notes\n\n")
		for _, note := range research.Notes {
			fmt.Fprintf(&b, "- %s\n", note)
		}
	}

	var total float64
	for _, item := range items {
		total += item.RelevanceScore
	}
	avg := total / float64(len(items))
	quality := math.Round((0.6*avg+0.4*math.Min(1, float64(len(items))/3))*100) / 100

	return pipeline.Draft{
		Title:        title,
		Content:      strings.TrimSpace(b.String()),
		Summary:      text.Excerpt(intro+" "+items[0].Body, 280),
		Tags:         w.tags(group.Category, items),
		QualityScore: quality,
	}, nil
}

func (w *Writer) tags(category string, items []pipeline.ContentItem) []string {
	out := []string{strings.ToLower(category)}
	for _, item := range items {
		for _, t := range item.Tags {
			t = strings.ToLower(strings.TrimSpace(t))
			if t != "" && !slices.Contains(out, t) {
				out = append(out, t)
			}
			if len(out) == w.cfg.MaxTags {
				return out
			}
		}
	}
	return out
}

func displayName(category string) string {
	if category == "" {
		return "General"
	}
	r, size := utf8.DecodeRuneInString(category)
	return string(unicode.ToUpper(r)) + category[size:]
}
