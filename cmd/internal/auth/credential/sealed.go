package credential

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	sealKeyBytes   = 32
	sealNonceBytes = 24
)

// SealedStorage encrypts values with NaCl secretbox before handing them to the inner Storage.
// Keys are stored in the clear.
type SealedStorage struct {
	inner Storage
	key   [sealKeyBytes]byte
}

// NewSealedStorage wraps inner with a 32-byte key given as 64 hex chars.
func NewSealedStorage(inner Storage, keyHex string) (*SealedStorage, error) {
	if inner == nil {
		return nil, fmt.Errorf("%w: nil inner storage", ErrConfig)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(keyHex))
	if err != nil || len(raw) != sealKeyBytes {
		return nil, fmt.Errorf("%w: seal key must be %d bytes hex", ErrConfig, sealKeyBytes)
	}
	s := &SealedStorage{inner: inner}
	copy(s.key[:], raw)
	return s, nil
}

func (s *SealedStorage) Put(ctx context.Context, entries map[string][]byte) error {
	sealed := make(map[string][]byte, len(entries))
	for k, v := range entries {
		var nonce [sealNonceBytes]byte
		if _, err := rand.Read(nonce[:]); err != nil {
			return fmt.Errorf("seal: nonce: %w", err)
		}
		sealed[k] = secretbox.Seal(nonce[:], v, &nonce, &s.key)
	}
	return s.inner.Put(ctx, sealed)
}

func (s *SealedStorage) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	vals, err := s.inner.Get(ctx, keys...)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(vals))
	for k, box := range vals {
		if len(box) < sealNonceBytes+secretbox.Overhead {
			return nil, fmt.Errorf("%w: key %s", ErrSealBroken, k)
		}
		var nonce [sealNonceBytes]byte
		copy(nonce[:], box[:sealNonceBytes])
		plain, ok := secretbox.Open(nil, box[sealNonceBytes:], &nonce, &s.key)
		if !ok {
			return nil, fmt.Errorf("%w: key %s", ErrSealBroken, k)
		}
		out[k] = plain
	}
	return out, nil
}

func (s *SealedStorage) Delete(ctx context.Context, keys ...string) error {
	return s.inner.Delete(ctx, keys...)
}

func (s *SealedStorage) Close() error { return s.inner.Close() }
