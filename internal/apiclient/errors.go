package apiclient

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrAuthRequired is returned when no usable token is available.
	ErrAuthRequired = errors.New("no valid token available")

	// ErrAuthFailed is returned when the backend rejects the token (401).
	ErrAuthFailed = errors.New("authentication failed - please login again")

	// ErrRateLimited matches a 429 that survived every retry.
	ErrRateLimited = errors.New("rate limited")

	// ErrInvalidResponse is returned when a 2xx body is not JSON.
	ErrInvalidResponse = errors.New("invalid response body")
)

// RequestError is a non-2xx response from the backend.
type RequestError struct {
	Method     string
	Endpoint   string
	Status     int
	Details    string
	RetryAfter time.Duration
}

func (e *RequestError) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("%s request failed: %d", e.Method, e.Status)
	}
	return fmt.Sprintf("%s request failed: %d - %s", e.Method, e.Status, e.Details)
}

// Is lets errors.Is match ErrRateLimited on 429 and ErrAuthFailed on 401.
func (e *RequestError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Status == http.StatusTooManyRequests
	case ErrAuthFailed:
		return e.Status == http.StatusUnauthorized
	}
	return false
}

// Retryable reports whether repeating the request could succeed.
func (e *RequestError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// IsAuthError reports whether err means the session is gone.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthRequired) || errors.Is(err, ErrAuthFailed)
}
