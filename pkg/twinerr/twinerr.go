// Package twinerr defines the stable error taxonomy surfaced to callers.
// Codes are part of the external contract: UIs branch on them, so they
// never change once shipped.
package twinerr

import (
	"errors"
	"fmt"
)

// Code identifies an error class.
type Code string

const (
	CodeInvalidJSON        Code = "invalid_json"
	CodeMissingField       Code = "missing_field"
	CodeNotFound           Code = "not_found"
	CodeUnauthorized       Code = "unauthorized"
	CodeForbidden          Code = "forbidden"
	CodeOperationFailed    Code = "operation_failed"
	CodePolicyUnverified   Code = "policy_unverified"
	CodePolicyStale        Code = "policy_stale"
	CodeRoleUnauthorized   Code = "role_unauthorized"
	CodeInterlockTriggered Code = "interlock_triggered"
	CodeSelfApproval       Code = "self_approval"
	CodeApprovalRequired   Code = "approval_required"
	CodeExecutionTimeout   Code = "execution_timeout"
	CodeExecutionFailed    Code = "execution_failed"
	CodeCircuitOpen        Code = "circuit_open"
	CodeTransportFailure   Code = "transport_failure"
	CodeMalformedInput     Code = "malformed_input"
)

// Error carries a stable code alongside a human-readable message.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an Error with the given code and message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that preserves the underlying cause for errors.Is/As.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithDetail attaches a structured detail field and returns the same error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the Code from err, or CodeOperationFailed if err is not
// a twinerr.Error.
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeOperationFailed
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var te *Error
	return errors.As(err, &te) && te.Code == code
}

// Envelope is the caller-facing error shape: {"error": {code, message, details}}.
type Envelope struct {
	Error *Error `json:"error"`
}

// ToEnvelope wraps any error into the external envelope, coercing non-taxonomy
// errors to operation_failed.
func ToEnvelope(err error) Envelope {
	var te *Error
	if errors.As(err, &te) {
		return Envelope{Error: te}
	}
	return Envelope{Error: New(CodeOperationFailed, "%v", err)}
}
