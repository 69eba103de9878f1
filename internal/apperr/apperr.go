// Package apperr provides the error taxonomy shared by the scheduling core
// and the API surface. Errors carry a Kind used for classification and HTTP
// status mapping while supporting errors.Is/As through Unwrap.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and for HTTP status mapping.
type Kind string

const (
	// Unauthenticated indicates the tenant identity is missing.
	Unauthenticated Kind = "UNAUTHENTICATED"
	// Forbidden indicates the tenant does not own the resource.
	Forbidden Kind = "FORBIDDEN"
	// NotFoundKind indicates an unknown workflow or job.
	NotFoundKind Kind = "NOT_FOUND"
	// InvalidArgument indicates a malformed submission.
	InvalidArgument Kind = "INVALID_ARGUMENT"
	// NotCancellable indicates a cancellation was rejected because the job
	// is not in a cancellable state.
	NotCancellable Kind = "NOT_CANCELLABLE"
	// RateLimited indicates the request was shed by a concurrency cap.
	RateLimited Kind = "RATE_LIMITED"
	// ExecutionFailed indicates a job reached FAILED.
	ExecutionFailed Kind = "EXECUTION_FAILED"
	// Internal indicates an unexpected framework error.
	Internal Kind = "INTERNAL"
)

// Error is a classified error. Err may carry an underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, supporting errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a classified error around an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Unauthenticatedf builds an UNAUTHENTICATED error.
func Unauthenticatedf(format string, args ...any) *Error {
	return New(Unauthenticated, format, args...)
}

// Forbiddenf builds a FORBIDDEN error.
func Forbiddenf(format string, args ...any) *Error {
	return New(Forbidden, format, args...)
}

// NotFound builds a NOT_FOUND error.
func NotFound(format string, args ...any) *Error {
	return New(NotFoundKind, format, args...)
}

// Invalidf builds an INVALID_ARGUMENT error.
func Invalidf(format string, args ...any) *Error {
	return New(InvalidArgument, format, args...)
}

// NotCancellablef builds a NOT_CANCELLABLE error.
func NotCancellablef(format string, args ...any) *Error {
	return New(NotCancellable, format, args...)
}

// Internalf builds an INTERNAL error.
func Internalf(format string, args ...any) *Error {
	return New(Internal, format, args...)
}

// KindOf returns the Kind of err, or Internal when err carries no
// classification. A nil error has no kind and returns the empty string.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a Kind to its HTTP response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Unauthenticated:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFoundKind:
		return http.StatusNotFound
	case InvalidArgument:
		return http.StatusBadRequest
	case NotCancellable:
		return http.StatusConflict
	case RateLimited:
		return http.StatusTooManyRequests
	case ExecutionFailed, Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
