package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
)

// fingerprintLen is the number of hex chars kept from the keyed digest.
const fingerprintLen = 16

var (
	fpKeyOnce sync.Once
	fpKey     []byte
)

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// Fingerprint returns a short, process-keyed digest of a token for logs and connection tags.
// Equal tokens produce equal fingerprints within one process; the key is random per process,
// so fingerprints cannot be matched offline against leaked tokens.
func Fingerprint(tok string) string {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return ""
	}
	return HashHMACSHA256Hex(tok, processKey())[:fingerprintLen]
}

func processKey() []byte {
	fpKeyOnce.Do(func() {
		fpKey = make([]byte, 32)
		if _, err := rand.Read(fpKey); err != nil {
			// Unkeyed digests are still non-reversible.
			fpKey = nil
		}
	})
	return fpKey
}
