package crawl

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"github.com/cklxx/nowhow/internal/pipeline"
)

// Extraction methods recorded on content items.
const (
	MethodFeed        = "rss"
	MethodSelectors   = "selectors"
	MethodReadability = "readability"
)

var errNoContent = errors.New("page has no extractable text")

// Extracted is the readable part of a page.
type Extracted struct {
	Title  string
	Text   string
	Author string
	Method string
}

// Extract pulls the article out of an HTML page. CSS selectors win when they
// match; otherwise readability scores the DOM.
func Extract(body []byte, pageURL string, sel pipeline.Selectors) (Extracted, error) {
	if sel.Content != "" {
		ext, err := extractWithSelectors(body, sel)
		if err != nil {
			return Extracted{}, err
		}
		if ext.Text != "" {
			return ext, nil
		}
	}
	return extractReadable(body, pageURL)
}

func extractWithSelectors(body []byte, sel pipeline.Selectors) (Extracted, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Extracted{}, fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript").Remove()
	for _, ex := range sel.Exclude {
		doc.Find(ex).Remove()
	}
	title := ""
	if sel.Title != "" {
		title = collapse(doc.Find(sel.Title).First().Text())
	}
	if title == "" {
		title = collapse(doc.Find("h1").First().Text())
	}
	if title == "" {
		title = collapse(doc.Find("title").First().Text())
	}
	var parts []string
	doc.Find(sel.Content).Each(func(_ int, s *goquery.Selection) {
		if text := collapse(s.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	author := ""
	if sel.Author != "" {
		author = collapse(doc.Find(sel.Author).First().Text())
	}
	return Extracted{
		Title:  title,
		Text:   strings.Join(parts, "\n\n"),
		Author: author,
		Method: MethodSelectors,
	}, nil
}

func extractReadable(body []byte, pageURL string) (Extracted, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return Extracted{}, fmt.Errorf("parse page url: %w", err)
	}
	article, err := readability.FromReader(bytes.NewReader(body), u)
	if err != nil {
		return Extracted{}, fmt.Errorf("readability: %w", err)
	}
	text := collapse(article.TextContent)
	if text == "" {
		return Extracted{}, errNoContent
	}
	return Extracted{
		Title:  collapse(article.Title),
		Text:   text,
		Author: collapse(article.Byline),
		Method: MethodReadability,
	}, nil
}

// htmlText strips markup from a feed fragment.
func htmlText(fragment string) string {
	if !strings.ContainsRune(fragment, '<') {
		return collapse(fragment)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return collapse(fragment)
	}
	doc.Find("script, style").Remove()
	return collapse(doc.Text())
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
