package progress

import (
	"context"

	"github.com/cklxx/nowhow/internal/pipeline"
)

// Sink consumes batches of progress events. Implementations must be safe for
// repeated calls and honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []pipeline.ProgressEvent) error
	Close(ctx context.Context) error
}

var _ pipeline.Emitter = (*Hub)(nil)
