package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind is the machine-readable class of a recorded error.
type ErrorKind string

// Error kinds surfaced on workflows and unit failures.
const (
	KindValidation ErrorKind = "validation"
	KindTransient  ErrorKind = "transient"
	KindUnit       ErrorKind = "unit"
	KindStage      ErrorKind = "stage"
	KindTimeout    ErrorKind = "timeout"
	KindStorage    ErrorKind = "storage"
	KindCancelled  ErrorKind = "cancelled"
	KindRecovery   ErrorKind = "recovery"
)

var (
	// ErrNotFound is returned when a workflow, item, or article does not exist.
	ErrNotFound = errors.New("not found")
	// ErrQueueFull is returned when the workflow queue cannot accept more work.
	ErrQueueFull = errors.New("workflow queue is full")
	// ErrQueueClosed is returned once the workflow queue has shut down.
	ErrQueueClosed = errors.New("queue closed")
)

// ValidationError rejects a malformed request before any record is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Reason)
}

// UnitError is scoped to one unit of a stage and never aborts the stage.
type UnitError struct {
	Unit      string
	Transient bool
	Err       error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("unit %s: %v", e.Unit, e.Err)
}

func (e *UnitError) Unwrap() error { return e.Err }

// Kind classifies the unit error for progress detail.
func (e *UnitError) Kind() ErrorKind {
	switch {
	case errors.Is(e.Err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(e.Err, context.Canceled):
		return KindCancelled
	case e.Transient:
		return KindTransient
	}
	var verr *ValidationError
	if errors.As(e.Err, &verr) {
		return KindValidation
	}
	var serr *StorageError
	if errors.As(e.Err, &serr) {
		return KindStorage
	}
	return KindUnit
}

// StageError is fatal to the workflow: the stage produced no usable output or
// exceeded its deadline.
type StageError struct {
	Stage   Stage
	Timeout bool
	Reason  string
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %s", e.Stage, e.Reason)
}

// StorageError wraps a persistence failure. Unavailable marks I/O class
// failures that are worth retrying.
type StorageError struct {
	Op          string
	Unavailable bool
	Err         error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Unavailable wraps err as a retryable storage failure.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Unavailable: true, Err: err}
}

// IsStorageUnavailable reports whether err is a retryable storage failure.
func IsStorageUnavailable(err error) bool {
	var serr *StorageError
	return errors.As(err, &serr) && serr.Unavailable
}

// Transient wraps err as a retryable unit failure.
func Transient(unit string, err error) error {
	return &UnitError{Unit: unit, Transient: true, Err: err}
}

// Permanent wraps err as a non-retryable unit failure.
func Permanent(unit string, err error) error {
	return &UnitError{Unit: unit, Err: err}
}

// IsTransient reports whether a unit should be retried after err.
// Explicit UnitErrors decide for themselves; otherwise network timeouts are transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var uerr *UnitError
	if errors.As(err, &uerr) {
		return uerr.Transient
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// KindOf maps any error onto the recorded taxonomy.
func KindOf(err error) ErrorKind {
	var (
		uerr  *UnitError
		serr  *StageError
		verr  *ValidationError
		sterr *StorageError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &uerr):
		return uerr.Kind()
	case errors.As(err, &serr):
		if serr.Timeout {
			return KindTimeout
		}
		return KindStage
	case errors.As(err, &verr):
		return KindValidation
	case errors.As(err, &sterr):
		return KindStorage
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindUnit
	}
}
