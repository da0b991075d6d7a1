package session

import "errors"

var (
	// ErrAlreadyLoggedIn is returned by Login and Restore when a session is active.
	ErrAlreadyLoggedIn = errors.New("already logged in")

	// ErrLoginInProgress is returned by Login while another login is outstanding.
	ErrLoginInProgress = errors.New("login in progress")

	// ErrLoginCancelled is returned when Logout ran while the login call was out.
	ErrLoginCancelled = errors.New("login cancelled")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)
