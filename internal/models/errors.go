package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error codes for structured error handling.
const (
	ErrCodeVersionConflict = "VERSION_CONFLICT"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeRateLimit       = "RATE_LIMIT"
	ErrCodeServerError     = "SERVER_ERROR"
	ErrCodeNetwork         = "NETWORK_ERROR"
)

// Sentinel errors
var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNoRefreshToken   = errors.New("no refresh token cached")
)

// APIError represents a structured error from the remote authority.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`

	// Server carries the authority's current entity snapshot on a
	// version-conflict response, so a Conflict record can be built
	// without a second round trip.
	Server json.RawMessage `json:"server,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// IsVersionConflict reports whether err is an optimistic-lock failure.
func IsVersionConflict(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == ErrCodeVersionConflict || apiErr.StatusCode == http.StatusConflict
	}
	return false
}

// IsUnauthorized reports whether err means the access token was rejected.
func IsUnauthorized(err error) bool {
	if errors.Is(err, ErrNotAuthenticated) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == ErrCodeUnauthorized || apiErr.StatusCode == http.StatusUnauthorized
	}
	return false
}

// IsTransient reports whether err is worth retrying: network failures,
// timeouts, rate limiting and server-side errors. Conflicts and auth
// rejections are handled by their own paths and are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsVersionConflict(err) || IsUnauthorized(err) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests ||
			(apiErr.StatusCode >= 500 && apiErr.StatusCode < 600)
	}
	// Anything that never produced a structured response (connection
	// refused, timeout, DNS failure) is retryable.
	return true
}

// SyncItemError wraps a per-item drain failure with queue context.
type SyncItemError struct {
	ItemID int64
	Entity EntityKind
	Op     OpType
	Err    error
}

func (e *SyncItemError) Error() string {
	return fmt.Sprintf("sync %s %s (item %d): %v", e.Op, e.Entity, e.ItemID, e.Err)
}

func (e *SyncItemError) Unwrap() error { return e.Err }
