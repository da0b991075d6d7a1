package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Durable storage keys. Only Store writes them.
const (
	KeyUser         = "user"
	KeyAccessToken  = "accessToken"
	KeyRefreshToken = "refreshToken"
)

var storageKeys = []string{KeyUser, KeyAccessToken, KeyRefreshToken}

// ChangeKind tells subscribers what happened.
type ChangeKind uint8

const (
	// ChangeSet means a new credential was published.
	ChangeSet ChangeKind = iota + 1
	// ChangeCleared means the session credential was removed.
	ChangeCleared
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeSet:
		return "set"
	case ChangeCleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// Change is delivered to subscribers after storage has been updated.
type Change struct {
	Kind       ChangeKind
	Credential Credential
	Previous   Credential
}

// ExpiryFunc derives an access-token expiry. It is used when reloading from storage,
// which keeps tokens but not their derived expiry.
type ExpiryFunc func(accessToken string, now time.Time) time.Time

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithExpiry overrides expiry derivation on Load.
func WithExpiry(fn ExpiryFunc) StoreOption {
	return func(s *Store) {
		if fn != nil {
			s.expiry = fn
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

type subscriber struct {
	id uint64
	fn func(Change)
}

// Store owns the current Credential.
//
// Concurrency:
//   - Get is lock-free and always returns a complete Credential.
//   - Set, Replace and Clear are serialized; subscribers observe changes in call order.
//   - Subscribers run synchronously on the mutating goroutine and must not block or
//     call back into Set/Replace/Clear.
type Store struct {
	log     *slog.Logger
	storage Storage
	now     func() time.Time
	expiry  ExpiryFunc

	mu      sync.Mutex
	version uint64
	cur     atomic.Pointer[Credential]

	subsMu  sync.Mutex
	subs    []subscriber
	nextSub uint64
}

// NewStore builds a Store backed by storage. Call Load once at process start.
func NewStore(storage Storage, log *slog.Logger, opts ...StoreOption) *Store {
	if log == nil {
		log = slog.Default()
	}
	if storage == nil {
		storage = NewMemoryStorage()
	}
	s := &Store{
		log:     log,
		storage: storage,
		now:     func() time.Time { return time.Now().UTC() },
	}
	s.expiry = func(_ string, now time.Time) time.Time { return now.Add(15 * time.Minute) }
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Load seeds the store from durable storage. It does not notify subscribers.
// It reports whether a credential was found.
func (s *Store) Load(ctx context.Context) (Credential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vals, err := s.storage.Get(ctx, storageKeys...)
	if err != nil {
		return Credential{}, false, fmt.Errorf("credential: load: %w", err)
	}

	access := string(vals[KeyAccessToken])
	if access == "" {
		s.cur.Store(nil)
		return Credential{}, false, nil
	}

	var subj Subject
	if raw := vals[KeyUser]; len(raw) > 0 {
		if err := json.Unmarshal(raw, &subj); err != nil {
			return Credential{}, false, fmt.Errorf("credential: decode user: %w", err)
		}
	}

	now := s.now()
	s.version++
	c := Credential{
		Version:      s.version,
		AccessToken:  access,
		AccessExpiry: s.expiry(access, now),
		RefreshToken: string(vals[KeyRefreshToken]),
		Subject:      subj,
		IssuedAt:     now,
	}
	s.cur.Store(&c)

	s.log.Info("credential.load.ok", "credential", c)
	return c, true, nil
}

// Get returns the current credential.
func (s *Store) Get() (Credential, bool) {
	p := s.cur.Load()
	if p == nil {
		return Credential{}, false
	}
	return *p, true
}

// Set publishes c as the current credential and returns it with its assigned Version.
// Storage is written before subscribers are notified.
func (s *Store) Set(ctx context.Context, c Credential) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publishLocked(ctx, c)
}

// Replace publishes next only if the current credential still has version prev.
// It returns ErrStale otherwise, including when the store was cleared.
func (s *Store) Replace(ctx context.Context, prev uint64, next Credential) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.cur.Load()
	if cur == nil || cur.Version != prev {
		return Credential{}, ErrStale
	}
	return s.publishLocked(ctx, next)
}

// Clear removes the credential from memory and storage and notifies subscribers.
// Clearing an empty store still wipes storage but does not notify.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.storage.Delete(ctx, storageKeys...); err != nil {
		return fmt.Errorf("credential: clear: %w", err)
	}

	prev := s.cur.Swap(nil)
	if prev == nil {
		return nil
	}

	s.log.Info("credential.clear", "previous", *prev)
	s.notify(Change{Kind: ChangeCleared, Previous: *prev})
	return nil
}

// Subscribe registers fn for change notifications. The returned func unsubscribes.
func (s *Store) Subscribe(fn func(Change)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	s.subsMu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	s.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			defer s.subsMu.Unlock()
			for i, sub := range s.subs {
				if sub.id == id {
					s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *Store) publishLocked(ctx context.Context, c Credential) (Credential, error) {
	if c.IsZero() {
		return Credential{}, ErrInvalidCredential
	}

	user, err := json.Marshal(c.Subject)
	if err != nil {
		return Credential{}, fmt.Errorf("credential: encode user: %w", err)
	}

	// All three keys go out in one Put. A missing refresh token is written as an empty value
	// so a stale one can never survive next to a new access token.
	entries := map[string][]byte{
		KeyUser:         user,
		KeyAccessToken:  []byte(c.AccessToken),
		KeyRefreshToken: append([]byte{}, c.RefreshToken...),
	}
	if err := s.storage.Put(ctx, entries); err != nil {
		return Credential{}, fmt.Errorf("credential: persist: %w", err)
	}

	if c.IssuedAt.IsZero() {
		c.IssuedAt = s.now()
	}
	s.version++
	c.Version = s.version

	next := c
	prevPtr := s.cur.Swap(&next)

	var prev Credential
	if prevPtr != nil {
		prev = *prevPtr
	}

	s.log.Info("credential.set", "credential", next, "previous_version", prev.Version)
	s.notify(Change{Kind: ChangeSet, Credential: next, Previous: prev})
	return next, nil
}

func (s *Store) notify(ch Change) {
	s.subsMu.Lock()
	subs := make([]subscriber, len(s.subs))
	copy(subs, s.subs)
	s.subsMu.Unlock()

	for _, sub := range subs {
		sub.fn(ch)
	}
}
