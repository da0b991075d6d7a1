package token

import "errors"

// Public, stable errors for callers.
var (
	// ErrConfig is returned for an invalid inspector configuration.
	ErrConfig = errors.New("token: invalid config")

	// ErrUnverified is returned when a PASETO token fails verification against the configured key.
	ErrUnverified = errors.New("token: verification failed")
)
