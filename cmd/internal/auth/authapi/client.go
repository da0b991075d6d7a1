package authapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

const (
	loginPath   = "/auth/login"
	refreshPath = "/auth/refresh-token"
)

// Doer sends an HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Client talks to the auth server.
type Client struct {
	base *url.URL
	http Doer
	log  *slog.Logger
}

// New builds a Client rooted at baseURL (scheme and host required).
func New(baseURL string, doer Doer, log *slog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: base url %q", ErrConfig, baseURL)
	}
	if doer == nil {
		doer = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{base: u, http: doer, log: log}, nil
}

// Login exchanges email and password for a token pair.
func (c *Client) Login(ctx context.Context, email, password string) (Tokens, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return Tokens{}, ErrInvalidCredentials
	}

	tok, err := c.post(ctx, "login", loginPath, loginRequest{Email: email, Password: password})
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && (se.Status == http.StatusUnauthorized || se.Status == http.StatusBadRequest) {
			return Tokens{}, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
		}
		return Tokens{}, err
	}
	if tok.RefreshToken == "" {
		return Tokens{}, fmt.Errorf("%w: login response has no refresh token", ErrMalformedResponse)
	}
	return tok, nil
}

// RefreshToken exchanges a refresh token for a new access token.
// The returned RefreshToken is empty when the server keeps the old one.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (Tokens, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Tokens{}, ErrRejected
	}

	tok, err := c.post(ctx, "refresh", refreshPath, refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			switch se.Status {
			case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
				return Tokens{}, fmt.Errorf("%w: %w", ErrRejected, err)
			}
		}
		return Tokens{}, err
	}
	return tok, nil
}

func (c *Client) post(ctx context.Context, op, path string, body any) (Tokens, error) {
	payload, err := encodeJSON(body)
	if err != nil {
		return Tokens{}, fmt.Errorf("authapi: %s: encode: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.JoinPath(path).String(), payload)
	if err != nil {
		return Tokens{}, fmt.Errorf("authapi: %s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("authapi.request.fail", "op", op, "err", err)
		return Tokens{}, &TransportError{Op: op, Err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		env := readErrorEnvelope(resp.Body)
		c.log.Info("authapi.request.status",
			"op", op,
			"status", resp.StatusCode,
			"code", env.Code,
		)
		return Tokens{}, &StatusError{Op: op, Status: resp.StatusCode, Code: env.Code, Message: env.Message}
	}

	var out tokenResponse
	if err := decodeJSON(resp.Body, &out); err != nil {
		return Tokens{}, fmt.Errorf("%w: %s: %v", ErrMalformedResponse, op, err)
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return Tokens{}, fmt.Errorf("%w: %s: missing access token", ErrMalformedResponse, op)
	}
	return toTokens(out), nil
}
