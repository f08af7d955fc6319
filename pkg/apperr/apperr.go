// Package apperr classifies domain errors so transport layers can map them
// to responses without knowing every sentinel.
package apperr

import (
	"errors"
	"net/http"
)

// Kind groups errors by how a caller should react to them.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindForbidden
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	default:
		return "internal"
	}
}

// Error is a classified sentinel. Compare with errors.Is.
type Error struct {
	kind Kind
	msg  string
}

func (e *Error) Error() string { return e.msg }

// Kind reports the classification of e.
func (e *Error) Kind() Kind { return e.kind }

// New returns a new sentinel of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

// Shared sentinels.
var (
	ErrInvalidInput = New(KindValidation, "invalid input")
	ErrForbidden    = New(KindForbidden, "forbidden")
	ErrNotFound     = New(KindNotFound, "not found")
)

// KindOf walks the wrap chain and returns the first classification found.
// Unclassified errors are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindInternal
}

// HTTPStatus maps err to a response code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Expected reports whether err is a normal business outcome (lost race,
// stale command, bad input) rather than a system failure.
func Expected(err error) bool {
	return KindOf(err) != KindInternal
}
