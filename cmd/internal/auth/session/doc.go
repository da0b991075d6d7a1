// Package session implements the client-side session state machine.
//
// A Controller ties together the credential store, the refresh coordinator and the realtime
// channel: Login populates the store and starts the channel, Logout tears everything down,
// and an unrecoverable refresh failure forces a logout with a neutral "session expired" notice.
//
// Refreshing is not tracked as its own flag; it is reported whenever the coordinator holds an
// in-flight ticket while the session is Active.
package session
