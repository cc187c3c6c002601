// Package apperr is the error taxonomy shared by every handler. Errors carry a
// Kind that decides the HTTP status and whether the error tracker sees them.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not_found"
	KindRateLimited  Kind = "rate_limited"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindConflict     Kind = "conflict"
	KindUpstream     Kind = "upstream"
	KindIntegrity    Kind = "integrity"
	KindInternal     Kind = "internal"
)

// FieldError is one itemized validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is a classified error.
type Error struct {
	Op         string
	Kind       Kind
	Message    string
	Fields     []FieldError
	RetryAfter int // seconds, rate limited and conflict
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return string(e.Kind) + " error"
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error wrapping err.
func New(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Validation builds a 400 error with itemized fields.
func Validation(msg string, fields ...FieldError) *Error {
	return &Error{Kind: KindValidation, Message: msg, Fields: fields}
}

// RateLimited builds a 429 error.
func RateLimited(retryAfter int) *Error {
	return &Error{Kind: KindRateLimited, Message: "too many requests", RetryAfter: retryAfter}
}

// KindOf returns the kind of the first *Error in the chain, KindInternal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As returns the first *Error in the chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// Expected reports whether err is ordinary client traffic that must not be
// reported to the error tracker.
func Expected(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindNotFound, KindRateLimited, KindUnauthorized, KindForbidden, KindConflict:
		return true
	}
	return false
}

// HTTPStatus maps an error to a response status.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
