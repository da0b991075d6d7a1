package refresh

import (
	"errors"
	"fmt"
)

var (
	// ErrRefreshRejected means the refresh token could not be exchanged. The session is over.
	ErrRefreshRejected = errors.New("refresh rejected")

	// ErrNoRefreshToken is returned without a network call when there is nothing to exchange.
	ErrNoRefreshToken = errors.New("no refresh token")

	// ErrSessionClosed is returned to waiters when the session was logged out while they waited.
	ErrSessionClosed = errors.New("session closed")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// RejectedError carries the ticket and the underlying exchange failure.
// It matches ErrRefreshRejected with errors.Is.
type RejectedError struct {
	TicketID string
	Err      error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s (ticket %s): %v", ErrRefreshRejected.Error(), e.TicketID, e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }

func (e *RejectedError) Is(target error) bool { return target == ErrRefreshRejected }
