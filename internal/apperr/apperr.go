// Package apperr carries client-facing failures through the request pipeline.
//
// Upstream code (upload handling, resolvers, capability checks) reports
// failures as an *Error holding the message, the HTTP status the client
// should see, and an optional structured payload. The envelope package is
// the only consumer that turns these into responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is an application error with a client-visible status and payload.
type Error struct {
	Message    string
	StatusCode int
	Data       any
	Err        error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the status code carried by the error, 0 if unset.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// WithData returns a copy of e carrying data as its payload.
func (e *Error) WithData(data any) *Error {
	cp := *e
	cp.Data = data
	return &cp
}

func New(status int, msg string) *Error {
	return &Error{Message: msg, StatusCode: status}
}

func Newf(status int, format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), StatusCode: status}
}

// Wrap attaches a client-facing status and message to an internal error.
// The internal error stays reachable via errors.Unwrap for logging but is
// never serialized.
func Wrap(err error, status int, msg string) *Error {
	return &Error{Message: msg, StatusCode: status, Err: err}
}

func BadRequest(msg string) *Error   { return New(http.StatusBadRequest, msg) }
func Unauthorized(msg string) *Error { return New(http.StatusUnauthorized, msg) }
func Forbidden(msg string) *Error    { return New(http.StatusForbidden, msg) }
func NotFound(msg string) *Error     { return New(http.StatusNotFound, msg) }

// Unprocessable is the status resolvers use for input that parsed but
// failed business validation.
func Unprocessable(msg string) *Error { return New(http.StatusUnprocessableEntity, msg) }

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) && ae != nil {
		return ae, true
	}
	return nil, false
}

// IsBodyLimit reports whether err came from an http.MaxBytesReader.
func IsBodyLimit(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

// FromBodyLimit maps a body size overrun to a 413. Other errors are
// returned unchanged.
func FromBodyLimit(err error) error {
	if IsBodyLimit(err) {
		return Wrap(err, http.StatusRequestEntityTooLarge, "Request body too large")
	}
	return err
}
