package token

import (
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/golang-jwt/jwt/v5"
)

const pasetoV4PublicPrefix = "v4.public."

// Format identifies how an access token was read.
type Format string

const (
	// FormatPaseto is a PASETO v4.public token verified with the configured public key.
	FormatPaseto Format = "paseto"
	// FormatJWT is a JWT whose claims were read without signature verification.
	FormatJWT Format = "jwt"
	// FormatOpaque is a token whose claims could not be read.
	FormatOpaque Format = "opaque"
)

// Claims is the client-side view of an access token.
type Claims struct {
	Format    Format
	Subject   string
	Role      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// InspectorConfig controls expiry derivation.
type InspectorConfig struct {
	// DefaultTTL is used when the token carries no readable expiry.
	DefaultTTL time.Duration

	// MaxTTL caps any expiry read from the token payload.
	MaxTTL time.Duration

	// PasetoPublicKeyHex is the hex-encoded Ed25519 public key of the auth server.
	// Empty disables PASETO verification and such tokens are treated as opaque.
	PasetoPublicKeyHex string

	// Issuer, when set, is enforced on PASETO tokens.
	Issuer string
}

// DefaultInspectorConfig mirrors the auth server defaults (15 minute access tokens).
func DefaultInspectorConfig() InspectorConfig {
	return InspectorConfig{
		DefaultTTL: 15 * time.Minute,
		MaxTTL:     1 * time.Hour,
	}
}

// Inspector derives expiry and subject hints from access tokens.
type Inspector struct {
	defaultTTL time.Duration
	maxTTL     time.Duration
	issuer     string

	pasetoKey    paseto.V4AsymmetricPublicKey
	pasetoKeySet bool
}

// NewInspector validates cfg and builds an Inspector.
func NewInspector(cfg InspectorConfig) (*Inspector, error) {
	if cfg.DefaultTTL <= 0 || cfg.MaxTTL <= 0 || cfg.DefaultTTL > cfg.MaxTTL {
		return nil, ErrConfig
	}

	in := &Inspector{
		defaultTTL: cfg.DefaultTTL,
		maxTTL:     cfg.MaxTTL,
		issuer:     strings.TrimSpace(cfg.Issuer),
	}

	if hexKey := strings.TrimSpace(cfg.PasetoPublicKeyHex); hexKey != "" {
		key, err := paseto.NewV4AsymmetricPublicKeyFromHex(hexKey)
		if err != nil {
			return nil, ErrConfig
		}
		in.pasetoKey = key
		in.pasetoKeySet = true
	}

	return in, nil
}

// Inspect reads what it can from tok. It never fails: unreadable tokens come back as
// FormatOpaque with an expiry of now+DefaultTTL.
func (i *Inspector) Inspect(tok string, now time.Time) Claims {
	tok = strings.TrimSpace(tok)

	var c Claims
	switch {
	case strings.HasPrefix(tok, pasetoV4PublicPrefix) && i.pasetoKeySet:
		if pc, err := i.inspectPaseto(tok); err == nil {
			c = pc
		}
	case strings.Count(tok, ".") == 2:
		if jc, err := inspectJWT(tok); err == nil {
			c = jc
		}
	}
	if c.Format == "" {
		c.Format = FormatOpaque
	}

	c.ExpiresAt = i.clampExpiry(c.ExpiresAt, now)
	return c
}

// Expiry is Inspect(tok, now).ExpiresAt.
func (i *Inspector) Expiry(tok string, now time.Time) time.Time {
	return i.Inspect(tok, now).ExpiresAt
}

func (i *Inspector) clampExpiry(exp, now time.Time) time.Time {
	ceiling := now.Add(i.maxTTL)
	if exp.IsZero() {
		return now.Add(i.defaultTTL)
	}
	if exp.After(ceiling) {
		return ceiling
	}
	return exp
}

func (i *Inspector) inspectPaseto(tok string) (Claims, error) {
	// Expiry is read, not enforced: an expired token still yields its exp.
	p := paseto.NewParserWithoutExpiryCheck()
	if i.issuer != "" {
		p.AddRule(paseto.IssuedBy(i.issuer))
	}

	parsed, err := p.ParseV4Public(i.pasetoKey, tok, nil)
	if err != nil {
		return Claims{}, ErrUnverified
	}

	c := Claims{Format: FormatPaseto}
	c.ExpiresAt, _ = parsed.GetExpiration()
	c.IssuedAt, _ = parsed.GetIssuedAt()
	if uid, err := parsed.GetString("uid"); err == nil && uid != "" {
		c.Subject = uid
	} else if sub, err := parsed.GetSubject(); err == nil {
		c.Subject = sub
	}
	c.Role, _ = parsed.GetString("role")
	return c, nil
}

func inspectJWT(tok string) (Claims, error) {
	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, mc); err != nil {
		return Claims{}, err
	}

	c := Claims{Format: FormatJWT}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		c.IssuedAt = iat.Time
	}
	if sub, err := mc.GetSubject(); err == nil {
		c.Subject = sub
	}
	if c.Subject == "" {
		if id, ok := mc["id"].(string); ok {
			c.Subject = id
		}
	}
	if role, ok := mc["role"].(string); ok {
		c.Role = role
	}
	return c, nil
}
