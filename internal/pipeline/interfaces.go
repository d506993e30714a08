package pipeline

import (
	"context"
	"io"
	"iter"
	"time"
)

// Crawler yields raw items for one source. The sequence stops early when the
// consumer stops ranging or ctx ends; a per-item error does not end it.
type Crawler interface {
	Crawl(ctx context.Context, src Source) iter.Seq2[RawItem, error]
}

// Processor scores and categorizes one stored item against a topic.
type Processor interface {
	Process(ctx context.Context, item ContentItem, topic string) (Assessment, error)
}

// Researcher gathers enrichment notes for a category group.
type Researcher interface {
	Research(ctx context.Context, group CategoryGroup) (Research, error)
}

// Writer drafts an article from a category group and its research.
type Writer interface {
	Write(ctx context.Context, group CategoryGroup, research Research) (Draft, error)
}

// ContentStore is the subset of the content store the pipeline depends on.
type ContentStore interface {
	PutContent(ctx context.Context, item RawItem) (fingerprint string, isNew bool, err error)
	GetContent(ctx context.Context, fingerprint string) (ContentItem, error)
	AnnotateContent(ctx context.Context, fingerprint string, ann Annotation) (ContentItem, error)
	PutArticle(ctx context.Context, article Article) error
	GetArticles(ctx context.Context, workflowID string) ([]Article, error)
}

// WorkflowStore persists workflow records across restarts.
type WorkflowStore interface {
	SaveWorkflow(ctx context.Context, wf Workflow) error
	GetWorkflow(ctx context.Context, id string) (Workflow, error)
	// ListWorkflows returns up to limit records ordered by CreatedAt descending.
	ListWorkflows(ctx context.Context, limit int) ([]Workflow, error)
	// ListUnfinished returns every record in a non-terminal state.
	ListUnfinished(ctx context.Context) ([]Workflow, error)
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes workflow events to Pub/Sub, Kafka, or similar.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides FIFO enqueue/dequeue semantics for workflow runs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// QueueItem wraps a workflow ready to run.
type QueueItem struct {
	WorkflowID string
	Submitted  time.Time
}

// Executor runs one dequeued workflow to completion.
type Executor interface {
	Execute(ctx context.Context, item QueueItem)
}

// Emitter receives unit-level progress events.
type Emitter interface {
	Emit(evt ProgressEvent)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ProgressEvent)

// Emit calls f(evt).
func (f EmitterFunc) Emit(evt ProgressEvent) { f(evt) }

// SourceCatalog resolves the sources a request should crawl.
type SourceCatalog interface {
	Get(id string) (Source, bool)
	List() []Source
	Resolve(req StartRequest) ([]Source, error)
}

// SourceStore persists the managed source catalog in insertion order.
type SourceStore interface {
	ListSources(ctx context.Context) ([]Source, error)
	// SaveSource inserts src or replaces the source with the same ID in place.
	SaveSource(ctx context.Context, src Source) error
	// DeleteSource returns ErrNotFound when no source has the ID.
	DeleteSource(ctx context.Context, id string) error
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces workflow and article IDs.
type IDGenerator interface {
	NewID() (string, error)
}
