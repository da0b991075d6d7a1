package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"hms/cmd/internal/auth/authapi"
	"hms/cmd/internal/auth/credential"
	"hms/cmd/security/token"
)

// AuthAPI is the auth server surface the Issuer needs. *authapi.Client satisfies it.
type AuthAPI interface {
	Login(ctx context.Context, email, password string) (authapi.Tokens, error)
	RefreshToken(ctx context.Context, refreshToken string) (authapi.Tokens, error)
}

// Issuer turns auth server responses into Credentials.
// It implements refresh.Exchanger.
type Issuer struct {
	api       AuthAPI
	inspector *token.Inspector
	now       func() time.Time
}

// NewIssuer builds an Issuer.
func NewIssuer(api AuthAPI, inspector *token.Inspector) (*Issuer, error) {
	if api == nil || inspector == nil {
		return nil, fmt.Errorf("%w: auth api and inspector are required", ErrConfig)
	}
	return &Issuer{
		api:       api,
		inspector: inspector,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Login authenticates with email and password.
func (i *Issuer) Login(ctx context.Context, email, password string) (credential.Credential, error) {
	tok, err := i.api.Login(ctx, email, password)
	if err != nil {
		return credential.Credential{}, err
	}
	return i.build(tok, tok.RefreshToken, credential.Subject{}), nil
}

// Exchange trades cur's refresh token for a new Credential.
// The refresh token is kept when the server does not rotate it.
func (i *Issuer) Exchange(ctx context.Context, cur credential.Credential) (credential.Credential, error) {
	tok, err := i.api.RefreshToken(ctx, cur.RefreshToken)
	if err != nil {
		return credential.Credential{}, err
	}
	rt := tok.RefreshToken
	if rt == "" {
		rt = cur.RefreshToken
	}
	return i.build(tok, rt, cur.Subject), nil
}

// ExpiryFor derives the expiry of a persisted access token. It is used when reloading from storage.
func (i *Issuer) ExpiryFor(accessToken string, now time.Time) time.Time {
	return i.inspector.Expiry(accessToken, now)
}

func (i *Issuer) build(tok authapi.Tokens, refreshToken string, fallback credential.Subject) credential.Credential {
	now := i.now()
	claims := i.inspector.Inspect(tok.AccessToken, now)

	subj := fallback
	switch {
	case tok.User != nil:
		subj = *tok.User
	case strings.TrimSpace(claims.Subject) != "":
		subj = credential.Subject{ID: claims.Subject, Role: claims.Role}
	}

	return credential.Credential{
		AccessToken:  tok.AccessToken,
		AccessExpiry: claims.ExpiresAt,
		RefreshToken: refreshToken,
		Subject:      subj,
		IssuedAt:     now,
	}
}
