package authapi

import "hms/cmd/internal/auth/credential"

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type userResponse struct {
	ID   string `json:"id"`
	Role string `json:"role,omitempty"`
}

type tokenResponse struct {
	AccessToken  string        `json:"accessToken"`
	RefreshToken string        `json:"refreshToken,omitempty"`
	User         *userResponse `json:"user,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

// Tokens is what a successful login or refresh returns.
// RefreshToken is empty when the server did not rotate it; User is nil when the server
// did not include one.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	User         *credential.Subject
}

func toTokens(r tokenResponse) Tokens {
	t := Tokens{AccessToken: r.AccessToken, RefreshToken: r.RefreshToken}
	if r.User != nil && r.User.ID != "" {
		t.User = &credential.Subject{ID: r.User.ID, Role: r.User.Role}
	}
	return t
}
