package market

import (
	"errors"
	"fmt"
)

// ErrorKind collapses the failure modes of the exchange core onto a small
// set of variants the transport layer maps to status codes.
type ErrorKind int

const (
	KindValidation ErrorKind = iota
	KindAuthorization
	KindNotFound
	KindBusiness
	KindConflict
	KindInfra
)

// Error is a tagged domain error
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validationf builds a validation error from a format string
func Validationf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Authorizationf builds an authorization error
func Authorizationf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindAuthorization, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a not-found error
func NotFoundf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Businessf builds a business-rule error
func Businessf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindBusiness, Message: fmt.Sprintf(format, args...)}
}

// Conflictf builds a concurrency-conflict error
func Conflictf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Infra wraps an infrastructure failure, hiding details from clients
func Infra(err error, message string) *Error {
	return &Error{Kind: KindInfra, Message: message, Err: err}
}

// KindOf extracts the error kind; unknown errors are infrastructure failures
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInfra
}
