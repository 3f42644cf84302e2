package job

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies why a job failed.
type Kind string

const (
	// KindPoolExhausted means no browsing context became available in time.
	KindPoolExhausted Kind = "pool_exhausted"
	// KindInstanceLost means the browser process died mid-operation.
	KindInstanceLost Kind = "instance_lost"
	// KindNavigationTimeout means the target never reached its completion condition.
	KindNavigationTimeout Kind = "navigation_timeout"
	// KindDeadlineExceeded means the job's overall deadline elapsed.
	KindDeadlineExceeded Kind = "deadline_exceeded"
	// KindInvalidTarget means the target is malformed or disallowed.
	KindInvalidTarget Kind = "invalid_target"
	// KindExtractionError means the page loaded but the artifact could not be produced.
	KindExtractionError Kind = "extraction_error"
	// KindCanceled means the caller abandoned the job.
	KindCanceled Kind = "canceled"
)

// Retryable reports whether failures of this kind are retried automatically.
func (k Kind) Retryable() bool {
	switch k {
	case KindPoolExhausted, KindInstanceLost, KindNavigationTimeout:
		return true
	default:
		return false
	}
}

// Error is the failure delivered for a job. It carries enough context for
// callers to log or alert on without inspecting internals.
type Error struct {
	Kind    Kind
	JobID   string
	Attempt int
	Err     error
}

// Fail creates an Error of the given kind wrapping err. Job identity and
// attempt are filled in by the dispatcher.
func Fail(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Failf creates an Error of the given kind with a formatted message.
func Failf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	prefix := string(e.Kind)
	if e.JobID != "" {
		prefix = fmt.Sprintf("job %s attempt %d: %s", e.JobID, e.Attempt, e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	}
	return prefix
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.JobID == "" && t.Err == nil
}

// KindOf extracts the failure kind from err. Context errors map to
// DeadlineExceeded and Canceled; anything else unclassified is an
// ExtractionError so it is surfaced rather than retried forever.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var jobErr *Error
	if errors.As(err, &jobErr) {
		return jobErr.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindDeadlineExceeded
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}
	return KindExtractionError
}

// IsRetryable reports whether err should be retried by the dispatcher.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
