package core

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTransport          = errors.New("transport error")
	ErrInvalidResponse    = errors.New("invalid response")
	ErrCollectionNotFound = errors.New("collection not found")
	ErrGeneration         = errors.New("generation error")
	ErrIngestionFailed    = errors.New("ingestion failed")
	ErrTimeout            = errors.New("operation timed out")
)

// OpError ties a failure to the pipeline operation and stage that produced it.
type OpError struct {
	Op    string
	Stage string
	Err   error
}

func (e *OpError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s [stage=%s]: %v", e.Op, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func NewOpError(op, stage string, err error) *OpError {
	return &OpError{Op: op, Stage: stage, Err: err}
}

// Wrap joins a taxonomy sentinel with the underlying cause so both match errors.Is.
func Wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %w", kind, fmt.Errorf(format, args...))
}
