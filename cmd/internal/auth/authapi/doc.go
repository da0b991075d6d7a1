// Package authapi is the HTTP client for the auth server's login and refresh-token endpoints.
//
// It never attaches an access token and never retries; callers decide what a failure means
// for the session.
package authapi
