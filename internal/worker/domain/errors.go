package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidJob is returned when a job is missing required fields
	ErrInvalidJob = errors.New("invalid job")

	// ErrInvalidEnvelope is returned when a message body is not a job submission
	ErrInvalidEnvelope = errors.New("invalid job envelope")

	// ErrInvalidHint is returned when a recognised hint carries an unusable value
	ErrInvalidHint = errors.New("invalid hint value")
)

// ErrorKind classifies a pipeline failure
type ErrorKind string

const (
	KindValidation ErrorKind = "ValidationError"
	KindTransient  ErrorKind = "TransientError"
	KindPermanent  ErrorKind = "PermanentError"
	// KindTimeout is a TransientError raised by an exceeded deadline
	KindTimeout ErrorKind = "Timeout"
)

// Class folds subtypes into their top-level class
func (k ErrorKind) Class() ErrorKind {
	if k == KindTimeout {
		return KindTransient
	}
	return k
}

// Retryable reports whether the kind is eligible for redelivery
func (k ErrorKind) Retryable() bool {
	return k.Class() == KindTransient
}

// PipelineError carries the classification and failing stage of an error
type PipelineError struct {
	Kind  ErrorKind
	Stage Stage
	Err   error
}

func (e *PipelineError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s during %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewValidationError wraps a client-caused failure
func NewValidationError(stage Stage, err error) error {
	return &PipelineError{Kind: KindValidation, Stage: stage, Err: err}
}

// NewTransientError wraps an environment-caused failure
func NewTransientError(stage Stage, err error) error {
	return &PipelineError{Kind: KindTransient, Stage: stage, Err: err}
}

// NewPermanentError wraps a data- or engine-caused failure
func NewPermanentError(stage Stage, err error) error {
	return &PipelineError{Kind: KindPermanent, Stage: stage, Err: err}
}

// NewTimeoutError wraps a deadline failure
func NewTimeoutError(stage Stage, err error) error {
	return &PipelineError{Kind: KindTimeout, Stage: stage, Err: err}
}

// KindOf extracts the classification of err. Deadline errors are timeouts and
// anything unclassified is treated as transient.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, ErrInvalidJob) || errors.Is(err, ErrInvalidEnvelope) || errors.Is(err, ErrInvalidHint) {
		return KindValidation
	}
	return KindTransient
}

// StageOf returns the stage recorded on err, if any
func StageOf(err error) Stage {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Stage
	}
	return ""
}
