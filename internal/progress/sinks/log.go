package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/cklxx/nowhow/internal/pipeline"
)

// LogSink emits one structured log line per unit event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event; failures at warn, everything else at debug.
func (s *LogSink) Consume(_ context.Context, batch []pipeline.ProgressEvent) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("workflow_id", evt.WorkflowID),
			zap.String("stage", string(evt.Stage)),
			zap.String("unit", evt.Unit),
			zap.String("status", string(evt.Status)),
		}
		switch evt.Status {
		case pipeline.EventError:
			fields = append(fields,
				zap.String("kind", string(evt.ErrKind)),
				zap.String("error", evt.ErrMessage),
				zap.Duration("dur", evt.Duration),
			)
			s.logger.Warn("unit failed", fields...)
		case pipeline.EventCompleted:
			fields = append(fields, zap.Int("produced", evt.Produced), zap.Duration("dur", evt.Duration))
			s.logger.Debug("unit completed", fields...)
		default:
			s.logger.Debug("unit started", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
