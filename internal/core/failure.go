package core

import (
	"errors"
	"fmt"
)

// FailureKind is the fixed failure taxonomy. Every failure that crosses a
// component boundary carries exactly one kind.
type FailureKind string

const (
	KindTransient         FailureKind = "Transient"
	KindRateLimited       FailureKind = "RateLimited"
	KindDeadline          FailureKind = "Deadline"
	KindCircuitOpen       FailureKind = "CircuitOpen"
	KindBudgetExceeded    FailureKind = "BudgetExceeded"
	KindSchemaMismatch    FailureKind = "SchemaMismatch"
	KindParamMismatch     FailureKind = "ParamMismatch"
	KindNotFound          FailureKind = "NotFound"
	KindForbidden         FailureKind = "Forbidden"
	KindUpstreamBug       FailureKind = "UpstreamBug"
	KindInternalInvariant FailureKind = "InternalInvariant"
)

// DefaultRetryable returns the taxonomy default for a kind. The failure
// catalog may override it per matched rule.
func (k FailureKind) DefaultRetryable() bool {
	switch k {
	case KindTransient, KindRateLimited, KindDeadline, KindCircuitOpen, KindUpstreamBug:
		return true
	}
	return false
}

// Failure is the structured error value exchanged between components.
// There is no exception channel across component boundaries; failures
// are always explicit values.
type Failure struct {
	Kind      FailureKind `json:"kind"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

// NewFailure builds a failure with the kind's default retryability.
func NewFailure(kind FailureKind, format string, args ...interface{}) *Failure {
	return &Failure{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: kind.DefaultRetryable(),
	}
}

func (f *Failure) Error() string {
	return string(f.Kind) + ": " + f.Message
}

// AsFailure extracts a *Failure from an error chain, mapping unknown
// errors to Transient so that raw I/O errors stay retryable.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return NewFailure(KindTransient, "%v", err)
}

// Sentinel errors surfaced by the submission path.
var (
	ErrQueueUnavailable  = errors.New("queue unavailable: both lanes failed")
	ErrStaleFencingToken = errors.New("stale fencing token")
	ErrRunTerminal       = errors.New("run is terminal")
	ErrNotFound          = errors.New("not found")
)
