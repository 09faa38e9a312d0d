package domain

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrUnavailable       = errors.New("job queue saturated, retry later")
	ErrNotReady          = errors.New("job results not ready")
	ErrAlreadyTerminal   = errors.New("job already finished")
	ErrJobActive         = errors.New("job is still active")
	ErrIllegalTransition = errors.New("illegal status transition")

	ErrUnsupportedType = errors.New("unsupported file type")
	ErrMaxSizeExceeded = errors.New("file too large")
	ErrEmptyUpload     = errors.New("empty upload")
)

// ValidationError rejects an upload before any job exists.
type ValidationError struct {
	Reason error
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return e.Reason.Error()
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

func (e *ValidationError) Unwrap() error {
	return e.Reason
}

// TransitionError is raised when a status change would break the state machine.
type TransitionError struct {
	ID   string
	From JobStatus
	To   JobStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: illegal transition %s -> %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// Diagnostic prefixes stored in Job.Error.
const (
	ReasonExtraction = "extraction failed"
	ReasonTimeout    = "timeout"
	ReasonCancelled  = "cancelled"
	ReasonAborted    = "aborted"
	ReasonRecovered  = "recovered"
)

// Diagnostic formats a failure message with its category prefix.
func Diagnostic(reason, detail string) string {
	if detail == "" {
		return reason
	}
	return reason + ": " + detail
}
