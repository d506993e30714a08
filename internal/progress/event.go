package progress

import (
	"errors"
	"fmt"

	"github.com/cklxx/nowhow/internal/pipeline"
)

// Validate performs coarse validation on event payloads before they are queued.
func Validate(evt pipeline.ProgressEvent) error {
	if evt.WorkflowID == "" {
		return errors.New("workflow id is required")
	}
	if evt.At.IsZero() {
		return errors.New("timestamp is required")
	}
	if !validStage(evt.Stage) {
		return fmt.Errorf("unknown stage %q", evt.Stage)
	}
	switch evt.Status {
	case pipeline.EventProcessing, pipeline.EventCompleted:
	case pipeline.EventError:
		if evt.ErrKind == "" {
			return errors.New("error event requires a kind")
		}
	default:
		return fmt.Errorf("unknown status %q", evt.Status)
	}
	if evt.Duration < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

func validStage(s pipeline.Stage) bool {
	for _, known := range pipeline.Stages {
		if s == known {
			return true
		}
	}
	return false
}
