package license

import (
	"errors"
	"fmt"
)

// Kind is the stable machine-readable classification of a license operation
// failure. Every expected failure carries exactly one Kind; callers branch on
// it instead of parsing messages.
type Kind string

const (
	KindInvalidInput       Kind = "invalid_input"
	KindKeyNotFound        Kind = "key_not_found"
	KindDuplicateCode      Kind = "duplicate_code"
	KindKeyExpired         Kind = "key_expired"
	KindDeviceLimitReached Kind = "device_limit_reached"
	KindIntegrityViolation Kind = "integrity_violation"
	KindStoreUnavailable   Kind = "store_unavailable"
	KindRateLimited        Kind = "rate_limited"
)

// Error is the typed failure returned by all license operations. Details
// carries diagnostic fields (expiry timestamp, device counts) for outcomes
// where the caller can self-diagnose.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Err     error // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// errf constructs a typed error with a formatted message.
func errf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// wrapf constructs a typed error wrapping an underlying cause.
func wrapf(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// withDetails attaches diagnostic fields to e and returns it.
func (e *Error) withDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// KindOf returns the Kind carried by err, or an empty Kind if err is not a
// license error.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return ""
}

// IsKind reports whether err is a license error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
