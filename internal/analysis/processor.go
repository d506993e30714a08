package analysis

import (
	"context"
	"math"
	"slices"
	"strings"

	"github.com/cklxx/nowhow/internal/pipeline"
	"github.com/cklxx/nowhow/internal/text"
)

// Taxonomy maps a category to the keywords that signal it.
type Taxonomy map[string][]string

// DefaultTaxonomy covers the broad classes of technical writing.
var DefaultTaxonomy = Taxonomy{
	"research": {"paper", "study", "research", "benchmark", "dataset", "arxiv", "experiment", "evaluation"},
	"product":  {"launch", "launches", "release", "released", "pricing", "available", "beta", "version", "announces"},
	"tutorial": {"guide", "tutorial", "step", "example", "learn", "build", "introduction", "walkthrough"},
	"opinion":  {"think", "opinion", "should", "believe", "argue", "lessons", "essay"},
	"news":     {"today", "report", "reported", "according", "week", "announced", "funding", "acquires"},
}

// ProcessorConfig tunes scoring.
type ProcessorConfig struct {
	Taxonomy Taxonomy
	// DepthWords is the body length that earns the full depth score (default 300).
	DepthWords int
	// MaxKeyPoints caps extracted key points (default 3).
	MaxKeyPoints int
}

// Processor scores relevance by topic-term coverage and body depth, and
// categorizes by taxonomy keyword hits.
type Processor struct {
	cfg        ProcessorConfig
	categories []string
}

var _ pipeline.Processor = (*Processor)(nil)

// NewProcessor builds a Processor.
func NewProcessor(cfg ProcessorConfig) *Processor {
	if len(cfg.Taxonomy) == 0 {
		cfg.Taxonomy = DefaultTaxonomy
	}
	if cfg.DepthWords <= 0 {
		cfg.DepthWords = 300
	}
	if cfg.MaxKeyPoints <= 0 {
		cfg.MaxKeyPoints = 3
	}
	categories := make([]string, 0, len(cfg.Taxonomy))
	for c := range cfg.Taxonomy {
		categories = append(categories, c)
	}
	slices.Sort(categories)
	return &Processor{cfg: cfg, categories: categories}
}

// Process assesses item against topic. An empty topic scores coverage as full.
func (p *Processor) Process(ctx context.Context, item pipeline.ContentItem, topic string) (pipeline.Assessment, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.Assessment{}, err
	}
	titleTerms := text.Terms(item.Title)
	bodyTerms := text.Terms(item.Body)
	all := make(map[string]struct{}, len(titleTerms)+len(bodyTerms))
	for _, t := range titleTerms {
		all[t] = struct{}{}
	}
	for _, t := range bodyTerms {
		all[t] = struct{}{}
	}

	topicTerms := text.Terms(topic)
	coverage := 1.0
	var matched []string
	if len(topicTerms) > 0 {
		var hits float64
		for _, t := range topicTerms {
			switch {
			case slices.Contains(titleTerms, t):
				hits++
				matched = append(matched, t)
			case slices.Contains(bodyTerms, t):
				hits += 0.75
				matched = append(matched, t)
			}
		}
		coverage = hits / float64(len(topicTerms))
	}
	depth := math.Min(1, float64(text.CountWords(item.Body))/float64(p.cfg.DepthWords))
	score := math.Round((0.7*coverage+0.3*depth)*100) / 100

	category := p.categorize(all, item)
	tags := append(matched, category)
	return pipeline.Assessment{
		Category:       category,
		RelevanceScore: score,
		KeyPoints:      p.keyPoints(item.Body),
		Tags:           tags,
	}, nil
}

func (p *Processor) categorize(terms map[string]struct{}, item pipeline.ContentItem) string {
	best, bestHits := "", 0
	for _, c := range p.categories {
		hits := 0
		for _, kw := range p.cfg.Taxonomy[c] {
			if _, ok := terms[kw]; ok {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = c, hits
		}
	}
	switch {
	case best != "":
		return best
	case item.Category != "":
		return item.Category
	case len(item.Tags) > 0:
		return strings.ToLower(item.Tags[0])
	default:
		return "general"
	}
}

func (p *Processor) keyPoints(body string) []string {
	var out []string
	for _, s := range text.Sentences(body) {
		if text.CountWords(s) < 6 {
			continue
		}
		out = append(out, text.TruncateWords(s, 200))
		if len(out) == p.cfg.MaxKeyPoints {
			break
		}
	}
	return out
}
