package analysis

import (
	"context"
	"fmt"
	"strings"

	"github.com/cklxx/nowhow/internal/pipeline"
	"github.com/cklxx/nowhow/internal/text"
)

// Researcher gathers supporting sentences for each research topic from the
// group's own items.
type Researcher struct{}

var _ pipeline.Researcher = Researcher{}

// Research returns one note per topic plus a coverage note.
func (Researcher) Research(ctx context.Context, group pipeline.CategoryGroup) (pipeline.Research, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.Research{}, err
	}
	var notes []string
	for _, topic := range group.Topics {
		notes = append(notes, noteFor(topic, group.Items))
	}
	var total float64
	for _, item := range group.Items {
		total += item.RelevanceScore
	}
	avg := 0.0
	if len(group.Items) > 0 {
		avg = total / float64(len(group.Items))
	}
	notes = append(notes, fmt.Sprintf("Coverage: %d sources in %s, average relevance %.2f.", len(group.Items), group.Category, avg))
	return pipeline.Research{Notes: notes}, nil
}

func noteFor(topic string, items []pipeline.ContentItem) string {
	needle := strings.ToLower(topic)
	for _, item := range items {
		for _, kp := range item.KeyPoints {
			if strings.Contains(strings.ToLower(kp), needle) {
				return fmt.Sprintf("%s: %s (%s)", topic, kp, item.Title)
			}
		}
		for _, s := range text.Sentences(item.Body) {
			if strings.Contains(strings.ToLower(s), needle) {
				return fmt.Sprintf("%s: %s (%s)", topic, text.TruncateWords(s, 200), item.Title)
			}
		}
	}
	return fmt.Sprintf("%s: not covered by the collected sources.", topic)
}
