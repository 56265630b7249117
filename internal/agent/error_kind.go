package agent

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every error the runtime surfaces to a caller, spanning
// all eight components rather than just tool execution (see ToolErrorType for
// the narrower tool-specific taxonomy this builds on).
type ErrorKind string

const (
	KindTransport         ErrorKind = "transport"
	KindRateLimit         ErrorKind = "rate_limit"
	KindAuth              ErrorKind = "auth"
	KindValidation        ErrorKind = "validation"
	KindToolExecution     ErrorKind = "tool_execution"
	KindPermission        ErrorKind = "permission"
	KindContextLimit      ErrorKind = "context_limit"
	KindProtocolViolation ErrorKind = "protocol_violation"
	KindInternal          ErrorKind = "internal"
)

// Retryable reports whether an error of this kind is generally worth retrying
// with backoff. Transport and rate-limit errors are; everything else
// represents a condition retrying won't fix.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTransport, KindRateLimit:
		return true
	default:
		return false
	}
}

// TaggedError wraps an underlying error with a classification and enough
// context to log or surface it without leaking sensitive detail.
type TaggedError struct {
	Kind      ErrorKind
	Component string
	Message   string
	Cause     error
}

// Error implements the error interface.
func (e *TaggedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Component, e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %v", e.Component, e.Kind, e.Cause)
	}
	return fmt.Sprintf("[%s:%s]", e.Component, e.Kind)
}

// Unwrap returns the underlying error for errors.Is/errors.As chains.
func (e *TaggedError) Unwrap() error { return e.Cause }

// Retryable reports whether retrying the operation that produced this error
// may succeed.
func (e *TaggedError) Retryable() bool { return e.Kind.Retryable() }

// Tag wraps cause as a TaggedError attributed to component with the given kind.
func Tag(component string, kind ErrorKind, cause error) *TaggedError {
	return &TaggedError{Kind: kind, Component: component, Cause: cause}
}

// TagMessage is like Tag but with an explicit message instead of (or in
// addition to) an underlying cause.
func TagMessage(component string, kind ErrorKind, message string, cause error) *TaggedError {
	return &TaggedError{Kind: kind, Component: component, Message: message, Cause: cause}
}

// KindOf extracts the ErrorKind from err if it is or wraps a *TaggedError,
// falling back to KindInternal when the error carries no classification.
func KindOf(err error) ErrorKind {
	var tagged *TaggedError
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	if IsToolError(err) {
		return KindToolExecution
	}
	return KindInternal
}

// IsRetryable reports whether err, classified via KindOf, is worth retrying.
func IsRetryable(err error) bool {
	var tagged *TaggedError
	if errors.As(err, &tagged) {
		return tagged.Retryable()
	}
	return IsToolRetryable(err)
}
