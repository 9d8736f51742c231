// Package errors provides error handling for segpulse.
//
// It re-exports github.com/cockroachdb/errors so every package gets stack
// traces, wrapping, details and hints from one import, and defines the four
// error kinds the job engine reports: not found, conflict, unauthorized and
// internal.
//
//	if errors.Is(err, errors.ErrConflict) {
//	    // job already completed or failed
//	}
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// Hints and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
	Mark               = crdb.Mark
)

// Inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	FlattenHints   = crdb.FlattenHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// AssertionFailedf reports a broken internal invariant.
var AssertionFailedf = crdb.AssertionFailedf

// Sentinel errors. Wrap them to add context; check them with Is.
var (
	// ErrNotFound: the job or project does not exist, or the caller may not see it.
	ErrNotFound = New("not found")

	// ErrConflict: the requested transition is impossible from the current state.
	ErrConflict = New("conflict")

	// ErrUnauthorized: the credential was rejected.
	ErrUnauthorized = New("unauthorized")

	// ErrInternal: storage or another dependency failed.
	ErrInternal = New("internal error")

	// ErrInvalidRequest: malformed input.
	ErrInvalidRequest = New("invalid request")
)

// Kind is the coarse classification surfaced to callers.
type Kind string

const (
	KindNone         Kind = ""
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindUnauthorized Kind = "unauthorized"
	KindInvalid      Kind = "invalid_request"
	KindInternal     Kind = "internal"
)

// KindOf classifies err. Anything unrecognised is internal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case Is(err, ErrNotFound):
		return KindNotFound
	case Is(err, ErrConflict):
		return KindConflict
	case Is(err, ErrUnauthorized):
		return KindUnauthorized
	case Is(err, ErrInvalidRequest):
		return KindInvalid
	default:
		return KindInternal
	}
}

// NotFoundf returns an ErrNotFound carrying a formatted message.
func NotFoundf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// Conflictf returns an ErrConflict carrying a formatted message.
func Conflictf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrConflict)
}

// Invalidf returns an ErrInvalidRequest carrying a formatted message.
func Invalidf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrInvalidRequest)
}

// Internal marks err as an internal failure, keeping its chain for logs.
func Internal(err error, msg string) error {
	if err == nil {
		return nil
	}
	return Mark(Wrap(err, msg), ErrInternal)
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsConflict reports whether err is or wraps ErrConflict.
func IsConflict(err error) bool {
	return err != nil && Is(err, ErrConflict)
}
