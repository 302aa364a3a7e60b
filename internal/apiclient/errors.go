package apiclient

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNoModelVersion is returned when the course metadata carries no model version.
var ErrNoModelVersion = errors.New("course has no model version")

// AuthError is a terminal authentication failure: the token endpoint rejected the
// credentials, or a request was still unauthorized after one re-authentication.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return "authentication failed: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// ValidationError reports a record rejected locally, before any request was sent.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing required field: %s", e.Field)
}

// StatusError is a non-2xx response other than 401.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("received status %d", e.StatusCode)
	}
	return fmt.Sprintf("received status %d: %s", e.StatusCode, e.Body)
}

// TransportError wraps a failure to get any response at all (dial, timeout, reset).
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "http request failed: " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying: a transport failure or a 5xx.
func IsTransient(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= http.StatusInternalServerError
	}
	return false
}
