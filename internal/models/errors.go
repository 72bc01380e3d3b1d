package models

import (
	"context"
	"errors"
	"fmt"
)

// Error codes for structured error handling.
const (
	ErrCodeNotInitialized = "NOT_INITIALIZED"
	ErrCodeDecryption     = "DECRYPTION_ERROR"
	ErrCodeInvalidFormat  = "INVALID_FORMAT"
	ErrCodeInvalidPath    = "INVALID_PATH"
	ErrCodeAuth           = "AUTH_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeQuotaExceeded  = "QUOTA_EXCEEDED"
	ErrCodeTooLarge       = "PAYLOAD_TOO_LARGE"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeNetwork        = "NETWORK_ERROR"
	ErrCodeAggregate      = "AGGREGATE_FAILURE"
	ErrCodeUnknown        = "UNKNOWN"
)

// Sentinel errors
var (
	ErrNotInitialized     = errors.New("encryption not initialized")
	ErrDecryption         = errors.New("decryption failed")
	ErrInvalidFormat      = errors.New("invalid format")
	ErrInvalidPath        = errors.New("invalid path")
	ErrAuthentication     = errors.New("authentication failed")
	ErrNotFound           = errors.New("not found")
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrTimeout            = errors.New("operation timed out")
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrAggregateFailure   = errors.New("all endpoints failed")
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrInvalidConfig      = errors.New("invalid configuration")
)

// ProviderError describes a failed storage provider operation.
type ProviderError struct {
	Provider   string
	Op         string
	Path       string
	Kind       error
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Provider, e.Op)
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil && e.Err != e.Kind {
		return fmt.Sprintf("%s: %v: %v", msg, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", msg, e.Kind)
}

// Unwrap exposes both the taxonomy kind and the underlying cause.
func (e *ProviderError) Unwrap() []error {
	if e.Err == nil || e.Err == e.Kind {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// AggregateError is returned when every endpoint and the cache are exhausted.
type AggregateError struct {
	Attempts []string
	Last     error
}

func (e *AggregateError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("%v: no usable endpoints", ErrAggregateFailure)
	}
	return fmt.Sprintf("%v after %d attempt(s) %v: last error: %v",
		ErrAggregateFailure, len(e.Attempts), e.Attempts, e.Last)
}

func (e *AggregateError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrAggregateFailure}
	}
	return []error{ErrAggregateFailure, e.Last}
}

// IsRetryable reports whether err is a transient failure worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrNetworkUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsTerminal reports whether err should reach the caller without trying
// another endpoint.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrAuthentication) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidFormat) ||
		errors.Is(err, ErrInvalidPath) ||
		errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrPayloadTooLarge) ||
		errors.Is(err, ErrNotInitialized) ||
		errors.Is(err, context.Canceled)
}

// Code maps an error onto its taxonomy code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAggregateFailure):
		return ErrCodeAggregate
	case errors.Is(err, ErrNotInitialized):
		return ErrCodeNotInitialized
	case errors.Is(err, ErrDecryption):
		return ErrCodeDecryption
	case errors.Is(err, ErrInvalidFormat):
		return ErrCodeInvalidFormat
	case errors.Is(err, ErrInvalidPath):
		return ErrCodeInvalidPath
	case errors.Is(err, ErrAuthentication), errors.Is(err, ErrNotAuthenticated):
		return ErrCodeAuth
	case errors.Is(err, ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, ErrQuotaExceeded):
		return ErrCodeQuotaExceeded
	case errors.Is(err, ErrPayloadTooLarge):
		return ErrCodeTooLarge
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	case errors.Is(err, ErrNetworkUnavailable):
		return ErrCodeNetwork
	default:
		return ErrCodeUnknown
	}
}

// UserAction tells the status UI how to present a failure.
type UserAction string

const (
	ActionNone           UserAction = ""
	ActionReauthenticate UserAction = "reauthenticate"
	ActionRetryLater     UserAction = "retry_later"
	ActionShowingCached  UserAction = "showing_cached"
	ActionFix            UserAction = "fix"
)

// ActionFor classifies an operation outcome. stale is true when the caller
// was served a cached copy after the endpoints failed.
func ActionFor(err error, stale bool) UserAction {
	if stale {
		return ActionShowingCached
	}
	switch {
	case err == nil:
		return ActionNone
	case errors.Is(err, ErrAuthentication), errors.Is(err, ErrNotAuthenticated):
		return ActionReauthenticate
	case IsRetryable(err), errors.Is(err, ErrAggregateFailure):
		return ActionRetryLater
	default:
		return ActionFix
	}
}
