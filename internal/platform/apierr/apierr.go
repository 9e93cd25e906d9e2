package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeValidation      = "validation_error"
	CodeUnauthorized    = "unauthorized"
	CodeUpstreamTimeout = "upstream_timeout"
	CodeUpstreamError   = "upstream_error"
	CodeStoreError      = "store_error"
	CodeInternal        = "internal_error"
)

type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.Status
}

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

// Validation marks user-correctable input problems. No retry state is
// persisted for these.
func Validation(format string, args ...interface{}) *Error {
	return New(http.StatusBadRequest, CodeValidation, fmt.Errorf(format, args...))
}

func Unauthorized(err error) *Error {
	return New(http.StatusUnauthorized, CodeUnauthorized, err)
}

// UpstreamTimeout marks a workflow call that exceeded its bound. Retryable.
func UpstreamTimeout(err error) *Error {
	return New(http.StatusGatewayTimeout, CodeUpstreamTimeout, err)
}

// Upstream marks a non-success workflow response. Retryable.
func Upstream(err error) *Error {
	return New(http.StatusBadGateway, CodeUpstreamError, err)
}

func Store(err error) *Error {
	return New(http.StatusInternalServerError, CodeStoreError, err)
}

func Internal(err error) *Error {
	return New(http.StatusInternalServerError, CodeInternal, err)
}

// Is reports whether err carries the given apierr code.
func Is(err error, code string) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}

// StatusOf extracts the HTTP status, defaulting to 500 for plain errors.
func StatusOf(err error) int {
	var ae *Error
	if errors.As(err, &ae) && ae.Status != 0 {
		return ae.Status
	}
	return http.StatusInternalServerError
}

// CodeOf extracts the taxonomy code, defaulting to internal_error.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Code != "" {
		return ae.Code
	}
	return CodeInternal
}
