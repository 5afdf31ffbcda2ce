// Package errors provides error handling for rubato.
//
// It re-exports github.com/cockroachdb/errors (stack traces, wrapping,
// hints/details for operators) and defines the sentinel errors the
// scheduler, planner, and API layers agree on.
//
// Usage:
//
//	if err := store.Get(ctx, id); err != nil {
//	    return errors.Wrapf(err, "loading endpoint %s", id)
//	}
//
//	// classify at the boundary
//	if errors.Is(err, errors.ErrNotFound) { ... }
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Creation and wrapping.
var (
	New   = crdb.New
	Newf  = crdb.Newf
	Wrap  = crdb.Wrap
	Wrapf = crdb.Wrapf
)

// Operator-facing annotations.
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Inspection.
var (
	Is           = crdb.Is
	IsAny        = crdb.IsAny
	As           = crdb.As
	Unwrap       = crdb.Unwrap
	FlattenHints = crdb.FlattenHints
)

// Sentinel errors. Wrap them with errors.Wrap to add context while
// keeping errors.Is checks working across layers.
var (
	// ErrNotFound indicates the entity does not exist or is archived.
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates input rejected at a boundary
	// (bad cron expression, interval below the tier floor, etc.).
	ErrInvalidRequest = New("invalid request")

	// ErrUnauthorized indicates a missing or expired session token.
	ErrUnauthorized = New("unauthorized")

	// ErrForbidden indicates the caller is not the resource's tenant.
	ErrForbidden = New("forbidden")

	// ErrQuotaExceeded indicates an endpoint-count, monthly-run, or
	// AI-token cap was hit.
	ErrQuotaExceeded = New("quota exceeded")

	// ErrUnavailable indicates an unexpected storage or downstream
	// failure; callers retry on the next tick.
	ErrUnavailable = New("service unavailable")
)

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequest reports whether err is or wraps ErrInvalidRequest.
func IsInvalidRequest(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsQuotaExceeded reports whether err is or wraps ErrQuotaExceeded.
func IsQuotaExceeded(err error) bool {
	return err != nil && Is(err, ErrQuotaExceeded)
}

// NewNotFoundf creates a not-found error with a formatted message.
func NewNotFoundf(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestf creates an invalid-request error with a formatted message.
func NewInvalidRequestf(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}
