// Package gateway wraps outgoing REST calls with the session's access token.
//
// A 401 triggers one coordinated refresh and exactly one replay of the original request.
// Every other failure is returned unchanged.
package gateway
