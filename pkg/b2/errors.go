package b2

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// ErrMalformedResponse is returned when a 2xx response body cannot be decoded
// or lacks a field the client depends on.
var ErrMalformedResponse = errors.New("malformed response from B2")

// APIError is a non-2xx answer from B2. Code and Message come from the JSON
// error body when there is one.
type APIError struct {
	Op      string
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %d %s: %s", e.Op, e.Status, e.Code, e.Message)
}

// TransportError means the request never produced an HTTP response (dial,
// TLS, timeout, connection reset).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func apiError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsExpired reports whether err means the token or upload URL that was used
// is no longer accepted and a new one should be fetched.
func IsExpired(err error) bool {
	apiErr, ok := apiError(err)
	if !ok {
		return false
	}
	switch apiErr.Status {
	case http.StatusUnauthorized:
		return apiErr.Code == "expired_auth_token" || apiErr.Code == "bad_auth_token"
	case http.StatusServiceUnavailable:
		// B2 answers 503 when an upload pod is busy; the fix is a new upload URL
		return apiErr.Op == opUpload
	}
	return false
}

// IsUnauthorized reports whether B2 refused the credentials themselves.
func IsUnauthorized(err error) bool {
	apiErr, ok := apiError(err)
	return ok && apiErr.Status == http.StatusUnauthorized && !IsExpired(err)
}

// IsTransient reports whether repeating the same request may succeed.
func IsTransient(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	apiErr, ok := apiError(err)
	if !ok {
		return false
	}
	switch apiErr.Status {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
