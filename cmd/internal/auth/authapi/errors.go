package authapi

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredentials is returned by Login when the server rejects email/password.
	ErrInvalidCredentials = errors.New("authapi: invalid credentials")

	// ErrRejected is returned by RefreshToken when the refresh token is invalid, expired or revoked.
	ErrRejected = errors.New("authapi: refresh token rejected")

	// ErrMalformedResponse is returned when a 2xx body cannot be used.
	ErrMalformedResponse = errors.New("authapi: malformed response")

	// ErrConfig indicates invalid client configuration.
	ErrConfig = errors.New("authapi: invalid config")
)

// StatusError carries an unexpected HTTP status and the server's error envelope, if any.
type StatusError struct {
	Op      string
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("authapi: %s: status %d (%s)", e.Op, e.Status, e.Code)
	}
	return fmt.Sprintf("authapi: %s: status %d", e.Op, e.Status)
}

// TransportError wraps a failure to reach the auth server, including timeouts.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("authapi: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
