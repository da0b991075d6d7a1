package credential

import (
	"log/slog"
	"time"

	"hms/cmd/security/token"
)

// Subject identifies the user a credential was issued to.
type Subject struct {
	ID   string `json:"id"`
	Role string `json:"role,omitempty"`
}

// Credential is one issued access/refresh pair. Version is assigned by Store.
type Credential struct {
	Version      uint64
	AccessToken  string
	AccessExpiry time.Time
	RefreshToken string
	Subject      Subject
	IssuedAt     time.Time
}

// IsZero reports whether c carries no access token.
func (c Credential) IsZero() bool { return c.AccessToken == "" }

// ExpiredAt reports whether the access token should be treated as expired at now.
// skew moves the deadline earlier to absorb clock differences and request latency.
func (c Credential) ExpiredAt(now time.Time, skew time.Duration) bool {
	if c.AccessExpiry.IsZero() {
		return false
	}
	return !now.Add(skew).Before(c.AccessExpiry)
}

// Fingerprint is a log-safe digest of the access token.
func (c Credential) Fingerprint() string { return token.Fingerprint(c.AccessToken) }

// LogValue keeps tokens out of logs.
func (c Credential) LogValue() slog.Value {
	if c.IsZero() {
		return slog.GroupValue(slog.Bool("present", false))
	}
	return slog.GroupValue(
		slog.Uint64("version", c.Version),
		slog.String("subject", c.Subject.ID),
		slog.String("fp", c.Fingerprint()),
		slog.Time("access_expiry", c.AccessExpiry),
		slog.Bool("has_refresh", c.RefreshToken != ""),
	)
}
