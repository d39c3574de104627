// Package apperr defines the error categories surfaced to clients over HTTP
// and WebSocket, together with their HTTP status mapping.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code is a machine-readable error category.
type Code string

const (
	CodeBadRequest      Code = "bad_request"
	CodeUnauthorized    Code = "unauthorized"
	CodeForbidden       Code = "forbidden"
	CodeNotFound        Code = "not_found"
	CodeConflict        Code = "conflict"
	CodeTooManyRequests Code = "too_many_requests"
	CodePayloadTooLarge Code = "payload_too_large"
	CodeInternal        Code = "internal"
)

// Error is an application error carrying a category and an optional retry hint.
type Error struct {
	Code       Code          `json:"code"`
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"-"`
	Cause      error         `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New returns an error with the given category.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Wrap returns an error with the given category that unwraps to cause.
func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func BadRequest(msg string) error   { return New(CodeBadRequest, msg) }
func Unauthorized(msg string) error { return New(CodeUnauthorized, msg) }
func Forbidden(msg string) error    { return New(CodeForbidden, msg) }
func NotFound(msg string) error     { return New(CodeNotFound, msg) }
func Conflict(msg string) error     { return New(CodeConflict, msg) }

// Internal wraps a transport or persistence failure. The cause is logged by
// the boundary but never shown to the peer.
func Internal(msg string, cause error) error {
	return Wrap(CodeInternal, msg, cause)
}

// TooManyRequests carries the cooldown the caller should wait before retrying.
func TooManyRequests(retryAfter time.Duration) error {
	return &Error{Code: CodeTooManyRequests, Message: "rate limit exceeded", RetryAfter: retryAfter}
}

// PayloadTooLarge reports a size-limit violation.
func PayloadTooLarge(limit int64) error {
	return &Error{Code: CodePayloadTooLarge, Message: fmt.Sprintf("payload exceeds maximum size of %d bytes", limit)}
}

// As extracts the *Error from err. Errors that are not application errors
// are reported as internal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return &Error{Code: CodeInternal, Message: "internal error", Cause: err}
}

// CodeOf returns the category of err, or the empty code for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	return As(err).Code
}

// Is reports whether err belongs to the given category.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps a category to its HTTP status code.
func HTTPStatus(code Code) int {
	switch code {
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeTooManyRequests:
		return http.StatusTooManyRequests
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}
