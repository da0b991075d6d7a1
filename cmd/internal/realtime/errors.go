package realtime

import "errors"

var (
	// ErrAuthExpired means the server refused the connection's token (401 handshake,
	// auth:expired during hello, or close code 4401).
	ErrAuthExpired = errors.New("realtime: credential expired")

	// ErrHandshake means the server did not accept the hello.
	ErrHandshake = errors.New("realtime: handshake failed")

	// ErrConfig indicates invalid channel configuration.
	ErrConfig = errors.New("realtime: invalid config")
)
