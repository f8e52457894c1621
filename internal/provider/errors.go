package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind is the fixed failure taxonomy every adapter maps its backend's
// native errors into. Nothing provider-specific leaks past the adapter layer.
type ErrorKind string

const (
	KindAuth           ErrorKind = "auth_error"
	KindRateLimited    ErrorKind = "rate_limited"
	KindTimeout        ErrorKind = "timeout"
	KindTransient      ErrorKind = "transient_server_error"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindContentPolicy  ErrorKind = "content_policy_violation"
	KindUnknown        ErrorKind = "unknown_error"
)

// Retryable reports whether the kind is worth retrying on the same provider.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimited, KindTimeout, KindTransient:
		return true
	}
	return false
}

// AbortsChain reports whether the kind makes the request unfit for any
// provider, so the whole fallback chain stops.
func (k ErrorKind) AbortsChain() bool {
	return k == KindInvalidRequest || k == KindContentPolicy
}

// Error is the normalized provider failure.
type Error struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a normalized provider error.
func NewError(providerName string, kind ErrorKind, status int, message string, cause error) *Error {
	return &Error{Provider: providerName, Kind: kind, StatusCode: status, Message: message, Err: cause}
}

// KindFromStatus gives the default HTTP status mapping. Adapters override
// individual statuses where their backend assigns different meaning (e.g.
// OpenRouter uses 403 for moderation).
func KindFromStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindTransient
	case status >= 400:
		return KindInvalidRequest
	default:
		return KindUnknown
	}
}

// FromTransport normalizes a transport-level failure (the http.Client call
// itself erroring) into a provider error. Context cancellation is reported as
// a timeout so the aborted attempt lands in the ledger with a clear kind.
func FromTransport(providerName string, err error) *Error {
	switch {
	case errors.Is(err, context.Canceled):
		return NewError(providerName, KindTimeout, 0, "cancelled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(providerName, KindTimeout, 0, "deadline exceeded", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(providerName, KindTimeout, 0, "network timeout", err)
	}
	return NewError(providerName, KindTransient, 0, err.Error(), err)
}

// AsError coerces any error into a *provider.Error, wrapping foreign errors
// as KindUnknown.
func AsError(providerName string, err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return FromTransport(providerName, err)
	}
	return NewError(providerName, KindUnknown, 0, err.Error(), err)
}

// KindOf extracts the kind from any error, defaulting to KindUnknown.
func KindOf(err error) ErrorKind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}
