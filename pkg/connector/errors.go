// pkg/connector/errors.go
package connector

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Kind is the closed set of adapter error classes. Classification
// happens once at the adapter boundary; orchestrators only ever switch
// on the kind.
type Kind int

const (
	KindTransient Kind = iota // network / 5xx, retriable with backoff
	KindRateLimit             // throttled, retry at RetryAfter
	KindAuth                  // credential dead, deprovision
	KindNotFound              // resource absent (success for deletes)
	KindFatal                 // misconfiguration, never retried
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimit:
		return "rate_limit"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	default:
		return "fatal"
	}
}

// Error is a classified adapter or sink failure.
type Error struct {
	Kind       Kind
	StatusCode int
	// RetryAfter is only meaningful for KindRateLimit. Zero means the
	// vendor gave no reset hint.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connector: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("connector: %s (status %d)", e.Kind, e.StatusCode)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind Kind, err error) *Error { return &Error{Kind: kind, Err: err} }

// KindOf extracts the kind from an error chain. Unclassified errors
// count as transient so plain network failures still retry.
func KindOf(err error) (Kind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return KindTransient, false
}

func IsAuth(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindAuth
}

func IsRateLimit(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindRateLimit
}

func IsNotFound(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindNotFound
}

func IsFatal(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindFatal
}

// RetryAfterOf returns the vendor reset hint for a rate-limit error.
func RetryAfterOf(err error) time.Duration {
	var ce *Error
	if errors.As(err, &ce) && ce.Kind == KindRateLimit {
		return ce.RetryAfter
	}
	return 0
}

// Classify maps an HTTP response to a classified error. nil for 2xx.
// Rate-limit reset hints are read from Retry-After (delta seconds or
// HTTP-date) and, failing that, X-RateLimit-Reset (epoch seconds).
func Classify(statusCode int, header http.Header) error {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return &Error{Kind: KindAuth, StatusCode: statusCode}
	case statusCode == http.StatusNotFound:
		return &Error{Kind: KindNotFound, StatusCode: statusCode}
	case statusCode == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimit, StatusCode: statusCode, RetryAfter: retryAfter(header)}
	case statusCode >= 500:
		return &Error{Kind: KindTransient, StatusCode: statusCode}
	default:
		return &Error{Kind: KindFatal, StatusCode: statusCode}
	}
}

func retryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(v); err == nil {
			if d := time.Until(at); d > 0 {
				return d
			}
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Until(time.Unix(epoch, 0)); d > 0 {
				return d
			}
		}
	}
	return 0
}
