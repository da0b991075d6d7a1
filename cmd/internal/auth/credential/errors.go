package credential

import "errors"

var (
	// ErrInvalidCredential is returned by Set for a credential without an access token.
	ErrInvalidCredential = errors.New("credential: missing access token")

	// ErrStale is returned by Replace when the current credential is no longer the expected version.
	ErrStale = errors.New("credential: stale version")

	// ErrSealBroken is returned when sealed storage cannot open a stored value.
	ErrSealBroken = errors.New("credential: sealed value cannot be opened")

	// ErrStorageClosed is returned by storages used after Close.
	ErrStorageClosed = errors.New("credential: storage closed")

	// ErrConfig is returned for invalid storage configuration.
	ErrConfig = errors.New("credential: invalid config")
)
