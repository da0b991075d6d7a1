// Package credential holds the live access/refresh credential of a session.
//
// Store is the single source of truth for the current Credential. It mirrors every
// change to a durable Storage before notifying subscribers, so a restart never
// leaves subscribers ahead of what storage holds.
//
// Credentials are values. A refresh produces a new Credential with a higher Version;
// nothing is ever mutated in place.
package credential
