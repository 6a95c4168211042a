package errors

import "errors"

// Sentinels for domain errors.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrValidation  = errors.New("validation error")
	ErrUnavailable = errors.New("service unavailable")
)

// Core error taxonomy. Components translate foreign errors into one of
// these kinds before they cross a component boundary.
var (
	// ErrRetryableExternal reports a 5xx or timeout from an adapter.
	ErrRetryableExternal = errors.New("retryable external error")
	// ErrPermanentExternal reports a 4xx with a well-known meaning.
	ErrPermanentExternal = errors.New("permanent external error")
	// ErrStaleVersion reports an optimistic-concurrency conflict.
	ErrStaleVersion = errors.New("stale version")
	// ErrInvariantViolation reports a transition that would break a lead invariant.
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrConfig reports missing or invalid configuration.
	ErrConfig = errors.New("configuration error")
)

// ErrRejectedCallID is returned when the call platform permanently rejects a call id.
var ErrRejectedCallID = errors.Join(ErrPermanentExternal, errors.New("wrong CallId"))

// Kind labels used for metrics and alerting.
const (
	KindRetryableExternal  = "retryable_external"
	KindPermanentExternal  = "permanent_external"
	KindStaleVersion       = "stale_version"
	KindInvariantViolation = "invariant_violation"
	KindConfig             = "config"
	KindOther              = "other"
)

// Is reports whether err is one of the sentinels.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Wrap adds context to an error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.Join(errors.New(message), err)
}

// KindOf maps err onto the taxonomy label.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfig):
		return KindConfig
	case errors.Is(err, ErrInvariantViolation):
		return KindInvariantViolation
	case errors.Is(err, ErrStaleVersion):
		return KindStaleVersion
	case errors.Is(err, ErrPermanentExternal):
		return KindPermanentExternal
	case errors.Is(err, ErrRetryableExternal):
		return KindRetryableExternal
	default:
		return KindOther
	}
}

// IsAlert reports whether err must be surfaced to operators rather than only counted.
func IsAlert(err error) bool {
	kind := KindOf(err)
	return kind == KindConfig || kind == KindInvariantViolation
}
