// Package apperr holds the error taxonomy shared by the battle services.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an error by how callers are expected to react to it.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not_found"
	KindCoordination Kind = "coordination"
	KindPersistence  Kind = "persistence"
	KindInvariant    Kind = "invariant"
)

// Error is the domain error type with structured metadata.
type Error struct {
	Kind     Kind
	Message  string
	Metadata map[string]string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target matches this error by kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// Sentinels usable with errors.Is.
var (
	ErrValidation   = &Error{Kind: KindValidation}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrCoordination = &Error{Kind: KindCoordination}
	ErrPersistence  = &Error{Kind: KindPersistence}
	ErrInvariant    = &Error{Kind: KindInvariant}
)

func Validation(message string, cause error) *Error {
	return &Error{Kind: KindValidation, Message: message, Cause: cause}
}

func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

func Coordination(message string, cause error) *Error {
	return &Error{Kind: KindCoordination, Message: message, Cause: cause}
}

func Persistence(message string, cause error) *Error {
	return &Error{Kind: KindPersistence, Message: message, Cause: cause}
}

func Invariant(message string) *Error {
	return &Error{Kind: KindInvariant, Message: message}
}

// WithMetadata returns a copy of e carrying the given metadata.
func (e *Error) WithMetadata(md map[string]string) *Error {
	cp := *e
	cp.Metadata = md
	return &cp
}

// KindOf returns the kind of the first *Error in err's chain, or "" when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// HTTPStatus maps an error to the status an HTTP caller should see.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindCoordination:
		return http.StatusConflict
	case KindPersistence:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
