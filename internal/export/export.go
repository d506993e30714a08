// Package export writes a workflow's articles as a single JSON document to a
// blob store.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"slices"
	"time"

	"github.com/cklxx/nowhow/internal/pipeline"
)

const contentType = "application/json"

// Document is the exported file layout.
type Document struct {
	WorkflowID string             `json:"workflow_id"`
	Topic      string             `json:"topic,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	Total      int                `json:"total"`
	Categories []string           `json:"categories"`
	Articles   []pipeline.Article `json:"articles"`
}

// Exporter saves article bundles.
type Exporter struct {
	blobs  pipeline.BlobStore
	clock  pipeline.Clock
	prefix string
}

// New returns an Exporter writing under prefix (default "articles").
func New(blobs pipeline.BlobStore, clock pipeline.Clock, prefix string) (*Exporter, error) {
	if blobs == nil {
		return nil, errors.New("blob store is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if prefix == "" {
		prefix = "articles"
	}
	return &Exporter{blobs: blobs, clock: clock, prefix: prefix}, nil
}

// Path returns the object path for a workflow bundle.
func (e *Exporter) Path(workflowID string) string {
	return path.Join(e.prefix, workflowID+".json")
}

// Export writes the bundle and returns its URI.
func (e *Exporter) Export(ctx context.Context, wf pipeline.Workflow, articles []pipeline.Article) (string, error) {
	doc := Document{
		WorkflowID: wf.ID,
		Topic:      wf.Topic,
		CreatedAt:  e.clock.Now(),
		Total:      len(articles),
		Categories: []string{},
		Articles:   articles,
	}
	for _, a := range articles {
		if !slices.Contains(doc.Categories, a.Category) {
			doc.Categories = append(doc.Categories, a.Category)
		}
	}
	slices.Sort(doc.Categories)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return "", fmt.Errorf("encode export: %w", err)
	}
	uri, err := e.blobs.PutObject(ctx, e.Path(wf.ID), contentType, &buf)
	if err != nil {
		return "", fmt.Errorf("put export: %w", err)
	}
	return uri, nil
}
