package cloud

import (
	"errors"
	"fmt"
)

// ErrorKind classifies provider API failures for the caller's retry logic.
type ErrorKind string

const (
	// KindAuth indicates rejected credentials. Never retried.
	KindAuth ErrorKind = "auth"

	// KindQuota indicates the provider rejected the spec as unavailable or
	// over-limit. Never retried.
	KindQuota ErrorKind = "quota"

	// KindNotFound indicates the resource is deleted or unknown.
	KindNotFound ErrorKind = "not_found"

	// KindTransient indicates a network failure, 5xx, or rate limit that may
	// succeed on retry.
	KindTransient ErrorKind = "transient"
)

// APIError is a classified provider API failure.
type APIError struct {
	// Kind is the classification for retry logic.
	Kind ErrorKind

	// Op is the API operation that failed (e.g. "create", "get").
	Op string

	// StatusCode is the HTTP status, 0 for transport-level failures.
	StatusCode int

	// Err is the underlying error.
	Err error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Is implements error equality for errors.Is; two APIErrors match on Kind.
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// kindOf extracts the classification from an error chain.
func kindOf(err error) (ErrorKind, bool) {
	var e *APIError
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsAuth reports whether err is classified as an authentication failure.
func IsAuth(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindAuth
}

// IsQuota reports whether err is classified as a quota/availability rejection.
func IsQuota(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindQuota
}

// IsNotFound reports whether err is classified as not-found.
func IsNotFound(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNotFound
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindTransient
}
