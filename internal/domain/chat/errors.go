package chat

import (
	"context"
	"errors"

	"github.com/matiasleandrokruk/chatrelay/internal/domain/conversation"
	"github.com/matiasleandrokruk/chatrelay/internal/infra/llm"
	"github.com/matiasleandrokruk/chatrelay/pkg/auth"
)

// Code is a stable, caller-visible error code.
type Code string

const (
	CodeInvalidCredential Code = "INVALID_CREDENTIAL"
	CodeForbidden         Code = "FORBIDDEN"
	CodeUnsupportedModel  Code = "UNSUPPORTED_MODEL"
	CodeInvalidParameter  Code = "INVALID_PARAMETER"
	CodeTooLong           Code = "TOO_LONG"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeUpstream          Code = "UPSTREAM_ERROR"
	CodeNotFound          Code = "NOT_FOUND"
	CodeConfigInvalid     Code = "CONFIG_INVALID"
	CodeInternal          Code = "INTERNAL_ERROR"
)

// Error carries a Code and a message safe to show the caller.
// Err keeps the underlying cause for logs only.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, Err: cause}
}

// CodeOf maps any error to a Code. Unknown errors are CodeInternal.
func CodeOf(err error) Code {
	var ce *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ce):
		return ce.Code
	case errors.Is(err, auth.ErrInvalidCredential):
		return CodeInvalidCredential
	case errors.Is(err, conversation.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, llm.ErrUnsupportedModel):
		return CodeUnsupportedModel
	case errors.Is(err, llm.ErrInvalidBinding):
		return CodeConfigInvalid
	case errors.Is(err, context.DeadlineExceeded):
		return CodeUpstream
	default:
		return CodeInternal
	}
}

// MessageOf returns the caller-safe message of err. Causes of unknown errors are never exposed.
func MessageOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Message
	}
	switch CodeOf(err) {
	case CodeInvalidCredential:
		return "invalid credential"
	case CodeNotFound:
		return "conversation not found"
	case CodeUnsupportedModel:
		return "unsupported model"
	case CodeUpstream:
		return "upstream provider timed out"
	case CodeConfigInvalid:
		return "invalid configuration"
	default:
		return "internal error"
	}
}
