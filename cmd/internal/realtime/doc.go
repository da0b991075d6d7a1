// Package realtime keeps one websocket connection bound to the session's current credential.
//
// The channel subscribes to the credential store. Every published credential retires the
// connection opened under the previous one and a new connection is dialed with the token
// read from the store at dial time. A server-side auth:expired (or close code 4401) asks the
// refresh coordinator for a new credential instead of reconnecting with the stale token.
package realtime
