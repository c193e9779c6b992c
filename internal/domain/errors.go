package domain

import (
	"context"
	"errors"
	"fmt"
)

type Code string

const (
	CodeEnrichmentDegraded       Code = "enrichment_degraded"
	CodeModelError               Code = "model_error"
	CodeSchemaViolation          Code = "schema_violation"
	CodeUnknownTool              Code = "unknown_tool"
	CodeUnauthorized             Code = "unauthorized"
	CodeAlreadyDecided           Code = "already_decided"
	CodeApprovalExpired          Code = "approval_expired"
	CodeDestructiveChangeBlocked Code = "destructive_change_blocked"
	CodeExecutionError           Code = "execution_error"
	CodeInvalidTransition        Code = "invalid_transition"
	CodeConflict                 Code = "conflict"
	CodeNotFound                 Code = "not_found"
	CodeBadRequest               Code = "bad_request"
	CodeInternal                 Code = "internal"
)

// Error is the structured failure record written to the audit trail and returned
// across component boundaries.
type Error struct {
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// Is matches on Code so sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrEnrichmentDegraded       = &Error{Code: CodeEnrichmentDegraded}
	ErrModel                    = &Error{Code: CodeModelError}
	ErrSchemaViolation          = &Error{Code: CodeSchemaViolation}
	ErrUnknownTool              = &Error{Code: CodeUnknownTool}
	ErrUnauthorized             = &Error{Code: CodeUnauthorized}
	ErrAlreadyDecided           = &Error{Code: CodeAlreadyDecided}
	ErrApprovalExpired          = &Error{Code: CodeApprovalExpired}
	ErrDestructiveChangeBlocked = &Error{Code: CodeDestructiveChangeBlocked}
	ErrExecution                = &Error{Code: CodeExecutionError}
	ErrInvalidTransition        = &Error{Code: CodeInvalidTransition}
	ErrConflict                 = &Error{Code: CodeConflict}
)

func NewError(code Code, retryable bool, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Retryable: retryable}
}

// With returns a copy of e carrying an extra detail.
func (e *Error) With(key string, value any) *Error {
	out := *e
	out.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		out.Details[k] = v
	}
	out.Details[key] = value
	return &out
}

func UnknownTool(name string) *Error {
	return NewError(CodeUnknownTool, false, "tool %q is not in the allowlist", name).With("tool", name)
}

func SchemaViolation(tool, field, constraint string) *Error {
	return NewError(CodeSchemaViolation, false, "%s: %s violates %s", tool, field, constraint).
		With("tool", tool).With("field", field).With("constraint", constraint)
}

func ModelError(retryable bool, format string, args ...any) *Error {
	return NewError(CodeModelError, retryable, format, args...)
}

func ExecutionError(tool string, cause error) *Error {
	return NewError(CodeExecutionError, false, "%s: %v", tool, cause).With("tool", tool)
}

// AsError classifies err into the structured taxonomy. Unknown errors become internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(CodeInternal, true, "%v", err)
	}
	return NewError(CodeInternal, false, "%v", err)
}

func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return AsError(err).Retryable
}
