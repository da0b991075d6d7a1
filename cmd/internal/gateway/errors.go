package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAuthRejected is a 401 that survived the refresh-and-replay.
	ErrAuthRejected = errors.New("gateway: authentication rejected")

	// ErrNotLoggedIn is returned when there is no credential to attach.
	ErrNotLoggedIn = errors.New("gateway: not logged in")

	// ErrConfig indicates invalid gateway configuration.
	ErrConfig = errors.New("gateway: invalid config")
)

// NetworkError is a transport failure or timeout. It has no session impact.
type NetworkError struct {
	Method string
	Path   string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("gateway: %s %s: %v", e.Method, e.Path, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// StatusError is a non-2xx response returned by DoJSON.
// A 401 StatusError also matches ErrAuthRejected.
type StatusError struct {
	Method    string
	Path      string
	Status    int
	Code      string
	Message   string
	RequestID string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway: %s %s: status %d (%s)", e.Method, e.Path, e.Status, e.Code)
	}
	return fmt.Sprintf("gateway: %s %s: status %d", e.Method, e.Path, e.Status)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrAuthRejected && e.Status == http.StatusUnauthorized
}
