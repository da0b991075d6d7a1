// Package token provides access-token helpers for the session manager.
//
// It never verifies authorization. Two jobs only:
//   - Fingerprint tokens so logs and connection tags can refer to a token without carrying it.
//   - Inspect access tokens (PASETO v4.public or JWT) to derive an expiry and subject hint.
//
// Derived expiries are clamped by a configured maximum TTL: the payload alone is never trusted.
package token
