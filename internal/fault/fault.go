// Package fault classifies pipeline errors into retry/terminal kinds.
// Workers translate kinds into progress-store updates; nothing downstream
// inspects error strings.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the terminal classification of a pipeline error.
type Kind int

const (
	// Unknown is an unclassified error. Treated as non-retryable.
	Unknown Kind = iota

	// Transient covers network faults, 5xx responses, and rate-limit signals.
	// Retryable with bounded backoff.
	Transient

	// Auth covers bad credentials and expired tokens. Retried once after a
	// token refresh, then fatal for the whole run.
	Auth

	// Validation covers malformed input or a malformed service response.
	// Non-retryable for the affected recording.
	Validation

	// JobFailed means the transcription service reported terminal failure
	// on a job. Non-retryable.
	JobFailed

	// Timeout means a job exceeded the configured max wait. Non-retryable
	// for the attempt; the recording fails once the retry budget is spent.
	Timeout

	// LocalIO covers database, filesystem, and file-store faults.
	// Retryable per step.
	LocalIO

	// Deletion means the audit could not verify audio removal. The recording
	// stays at the transcribed stage and is retried on the next run.
	Deletion

	// Cancelled is cooperative shutdown, not an error condition.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Auth:
		return "auth"
	case Validation:
		return "validation"
	case JobFailed:
		return "job_failed"
	case Timeout:
		return "timeout"
	case LocalIO:
		return "local_io"
	case Deletion:
		return "deletion_failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is a pipeline error tagged with a Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted message and no wrapped cause.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err. Context cancellation maps to Cancelled;
// anything untagged is Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}
	return Unknown
}

// Retryable reports whether a worker may retry the operation within its
// backoff budget.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Transient, LocalIO, Timeout:
		return true
	default:
		return false
	}
}
