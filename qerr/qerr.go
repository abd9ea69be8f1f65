// Package qerr defines the qflow error taxonomy.
//
// Every user-facing failure carries a Kind so callers (engine, CLI,
// processors) can branch on error class without string matching. Kinds
// map to CLI exit codes via ExitCode.
package qerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind string

// Input errors.
const (
	KindParse            Kind = "PARSE_ERROR"
	KindRequiredField    Kind = "REQUIRED_FIELD_MISSING"
	KindInvalidType      Kind = "INVALID_TYPE"
	KindInvalidStepRef   Kind = "INVALID_STEP_REFERENCE"
	KindCircularDep      Kind = "CIRCULAR_DEPENDENCY"
	KindDuplicateStepIDs Kind = "DUPLICATE_STEP_IDS"
	KindIDMismatch       Kind = "ID_MISMATCH"
)

// Lookup errors.
const (
	KindFlowNotFound      Kind = "FLOW_NOT_FOUND"
	KindExecutionNotFound Kind = "EXECUTION_NOT_FOUND"
	KindTokenNotFound     Kind = "TOKEN_NOT_FOUND"
	KindModuleNotFound    Kind = "MODULE_NOT_FOUND"
	KindSandboxNotFound   Kind = "SANDBOX_NOT_FOUND"
)

// State errors.
const (
	KindInvalidTransition Kind = "INVALID_TRANSITION"
	KindDuplicate         Kind = "DUPLICATE"
)

// Authorization errors.
const (
	KindCapabilityDenied Kind = "CAPABILITY_DENIED"
	KindArgumentBound    Kind = "ARGUMENT_BOUND_VIOLATION"
	KindRateLimited      Kind = "RATE_LIMITED"
	KindDAOPolicyDeny    Kind = "DAO_POLICY_DENY"
)

// Sandbox errors.
const (
	KindResourceLimit    Kind = "RESOURCE_LIMIT_EXCEEDED"
	KindSandboxViolation Kind = "SANDBOX_VIOLATION"
	KindEscapeAttempt    Kind = "ESCAPE_ATTEMPT"
)

// Validation errors.
const (
	KindLayerFailed         Kind = "LAYER_FAILED"
	KindLayerTimeout        Kind = "LAYER_TIMEOUT"
	KindRequiredLayerFailed Kind = "REQUIRED_LAYER_FAILED"
)

// Infrastructure errors.
const (
	KindNodeUnreachable     Kind = "NODE_UNREACHABLE"
	KindResourceUnavailable Kind = "RESOURCE_UNAVAILABLE"
	KindLedgerIntegrity     Kind = "LEDGER_INTEGRITY"
	KindReplayMismatch      Kind = "REPLAY_MISMATCH"
)

// KindFatal covers translated panics and unclassifiable internal failures.
const KindFatal Kind = "FATAL"

// Error is a classified qflow error. Message is safe to show to callers;
// Details carries structured context for events and API responses.
type Error struct {
	Kind      Kind
	Message   string
	RequestID string
	Details   map[string]any

	wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.wrapped }

// WithRequestID attaches a request ID for cross-correlation with events.
func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

// WithDetail attaches one structured detail field.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a classified error wrapping a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, wrapped: err}
}

// KindOf returns the kind of err, or KindFatal when err carries none.
// A nil err has no kind and returns the empty string.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return KindFatal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Transient reports whether err is worth retrying under an
// infrastructure budget.
func Transient(err error) bool {
	switch KindOf(err) {
	case KindNodeUnreachable, KindResourceUnavailable, KindRateLimited, KindLayerTimeout:
		return true
	}
	return false
}

// CLI exit codes.
const (
	ExitOK         = 0
	ExitUsage      = 2
	ExitValidation = 3
	ExitNotFound   = 4
	ExitConflict   = 5
	ExitTransient  = 6
	ExitFatal      = 7
)

// ExitCode maps an error to its CLI exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindParse, KindRequiredField, KindInvalidType, KindInvalidStepRef,
		KindCircularDep, KindDuplicateStepIDs, KindIDMismatch,
		KindCapabilityDenied, KindArgumentBound, KindDAOPolicyDeny,
		KindSandboxViolation, KindLayerFailed, KindRequiredLayerFailed:
		return ExitValidation
	case KindFlowNotFound, KindExecutionNotFound, KindTokenNotFound,
		KindModuleNotFound, KindSandboxNotFound:
		return ExitNotFound
	case KindInvalidTransition, KindDuplicate:
		return ExitConflict
	case KindNodeUnreachable, KindResourceUnavailable, KindRateLimited,
		KindLayerTimeout, KindResourceLimit:
		return ExitTransient
	default:
		return ExitFatal
	}
}
