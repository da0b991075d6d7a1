package app

import (
	"context"
	"time"

	"hms/cmd/internal/auth/credential"
)

// StoredSession describes the persisted credential without exposing tokens.
type StoredSession struct {
	LoggedIn         bool                `json:"loggedIn"`
	Subject          *credential.Subject `json:"subject,omitempty"`
	AccessExpiry     *time.Time          `json:"accessExpiry,omitempty"`
	AccessExpired    bool                `json:"accessExpired,omitempty"`
	TokenFingerprint string              `json:"tokenFingerprint,omitempty"`
	CanRefresh       bool                `json:"canRefresh,omitempty"`
}

// Stored loads the persisted credential, if any, without starting the session.
func (a *App) Stored(ctx context.Context) (StoredSession, error) {
	cred, ok, err := a.Store.Load(ctx)
	if err != nil || !ok {
		return StoredSession{}, err
	}

	subj := cred.Subject
	out := StoredSession{
		LoggedIn:         true,
		Subject:          &subj,
		TokenFingerprint: cred.Fingerprint(),
		CanRefresh:       cred.RefreshToken != "",
	}
	if !cred.AccessExpiry.IsZero() {
		exp := cred.AccessExpiry
		out.AccessExpiry = &exp
		out.AccessExpired = cred.ExpiredAt(time.Now(), 0)
	}
	return out, nil
}
