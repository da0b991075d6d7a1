package token

import (
	"strings"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/golang-jwt/jwt/v5"
)

func TestFingerprint(t *testing.T) {
	t.Parallel()

	a := Fingerprint("access-token-a")
	if len(a) != fingerprintLen {
		t.Fatalf("len=%d want %d", len(a), fingerprintLen)
	}
	if a != Fingerprint(" access-token-a ") {
		t.Fatalf("fingerprint must ignore surrounding space")
	}
	if a == Fingerprint("access-token-b") {
		t.Fatalf("different tokens must not collide")
	}
	if strings.Contains("access-token-a", a) {
		t.Fatalf("fingerprint leaks token text")
	}
	if Fingerprint("") != "" {
		t.Fatalf("empty token must have empty fingerprint")
	}
}

func TestNewInspector_InvalidConfig(t *testing.T) {
	t.Parallel()

	cases := []InspectorConfig{
		{DefaultTTL: 0, MaxTTL: time.Hour},
		{DefaultTTL: time.Hour, MaxTTL: time.Minute},
		{DefaultTTL: time.Minute, MaxTTL: time.Hour, PasetoPublicKeyHex: "not-hex"},
	}
	for _, cfg := range cases {
		if _, err := NewInspector(cfg); err != ErrConfig {
			t.Fatalf("NewInspector(%+v) err=%v want ErrConfig", cfg, err)
		}
	}
}

func TestInspect_OpaqueUsesDefaultTTL(t *testing.T) {
	t.Parallel()

	in, err := NewInspector(DefaultInspectorConfig())
	if err != nil {
		t.Fatalf("NewInspector: %v", err)
	}

	now := time.Now().UTC()
	c := in.Inspect("opaque-token", now)
	if c.Format != FormatOpaque {
		t.Fatalf("format=%q want opaque", c.Format)
	}
	if !c.ExpiresAt.Equal(now.Add(15 * time.Minute)) {
		t.Fatalf("expiry=%v want now+15m", c.ExpiresAt)
	}
}

func TestInspect_JWTClaimsAndClamp(t *testing.T) {
	t.Parallel()

	in, err := NewInspector(InspectorConfig{DefaultTTL: time.Minute, MaxTTL: 10 * time.Minute})
	if err != nil {
		t.Fatalf("NewInspector: %v", err)
	}
	now := time.Now().UTC()

	short := mustJWT(t, jwt.MapClaims{"sub": "u-1", "role": "nurse", "exp": now.Add(5 * time.Minute).Unix()})
	c := in.Inspect(short, now)
	if c.Format != FormatJWT || c.Subject != "u-1" || c.Role != "nurse" {
		t.Fatalf("unexpected claims: %+v", c)
	}
	if d := c.ExpiresAt.Sub(now); d < 4*time.Minute || d > 5*time.Minute {
		t.Fatalf("expiry offset=%v want ~5m", d)
	}

	long := mustJWT(t, jwt.MapClaims{"sub": "u-1", "exp": now.Add(24 * time.Hour).Unix()})
	if got := in.Expiry(long, now); !got.Equal(now.Add(10 * time.Minute)) {
		t.Fatalf("expiry=%v want clamp to now+10m", got)
	}
}

func TestInspect_PasetoVerifiedWithPublicKey(t *testing.T) {
	t.Parallel()

	secret := paseto.NewV4AsymmetricSecretKey()
	cfg := DefaultInspectorConfig()
	cfg.PasetoPublicKeyHex = secret.Public().ExportHex()
	cfg.Issuer = "hms-auth"

	in, err := NewInspector(cfg)
	if err != nil {
		t.Fatalf("NewInspector: %v", err)
	}

	now := time.Now().UTC()
	tok := paseto.NewToken()
	tok.SetIssuer("hms-auth")
	tok.SetIssuedAt(now)
	tok.SetExpiration(now.Add(5 * time.Minute))
	_ = tok.Set("uid", "01HZZZZZZZZZZZZZZZZZZZZZZZ")
	_ = tok.Set("role", "doctor")
	signed := tok.V4Sign(secret, nil)

	c := in.Inspect(signed, now)
	if c.Format != FormatPaseto {
		t.Fatalf("format=%q want paseto", c.Format)
	}
	if c.Subject != "01HZZZZZZZZZZZZZZZZZZZZZZZ" || c.Role != "doctor" {
		t.Fatalf("unexpected claims: %+v", c)
	}
	if d := c.ExpiresAt.Sub(now); d < 4*time.Minute || d > 5*time.Minute {
		t.Fatalf("expiry offset=%v want ~5m", d)
	}

	// Signed by another key: unverifiable, so no payload claim is trusted.
	other := paseto.NewV4AsymmetricSecretKey()
	forged := tok.V4Sign(other, nil)
	if c := in.Inspect(forged, now); c.Format != FormatOpaque || c.Subject != "" {
		t.Fatalf("forged token must be opaque, got %+v", c)
	}
}

func mustJWT(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-signing-key-0123456789abcdef"))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}
