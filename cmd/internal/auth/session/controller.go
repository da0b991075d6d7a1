package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hms/cmd/internal/auth/credential"
)

const teardownTimeout = 5 * time.Second

// Authenticator exchanges email/password for a Credential. *Issuer satisfies it.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (credential.Credential, error)
}

// Coordinator is the refresh slot as seen by the controller. *refresh.Coordinator satisfies it.
type Coordinator interface {
	InFlight() bool
	Cancel() bool
	OnFailure(func(error))
}

// Channel is the realtime connection as seen by the controller. *realtime.Channel satisfies it.
type Channel interface {
	Start()
	Stop()
}

// Observer receives base state transitions. Implementations must not block.
type Observer interface {
	SessionState(State)
}

// Snapshot is a token-free view of the session.
type Snapshot struct {
	State             string              `json:"state"`
	Subject           *credential.Subject `json:"subject,omitempty"`
	CredentialVersion uint64              `json:"credentialVersion,omitempty"`
	AccessExpiry      *time.Time          `json:"accessExpiry,omitempty"`
	TokenFingerprint  string              `json:"tokenFingerprint,omitempty"`
}

type noticeSub struct {
	id uint64
	fn func(Notice)
}

// Controller owns the session state.
//
// mu guards base and seq only and is never held across coordinator, channel or store calls, so
// realtime handlers may call State. opMu serializes the side effects of Restore, login
// completion, Logout and forced logout. A login whose network call returns after a Logout is
// discarded through the seq counter.
type Controller struct {
	store   *credential.Store
	auth    Authenticator
	coord   Coordinator
	channel Channel
	log     *slog.Logger
	obs     Observer

	opMu sync.Mutex

	mu   sync.Mutex
	base State
	seq  uint64

	subsMu  sync.Mutex
	subs    []noticeSub
	nextSub uint64
}

// New builds a Controller in StateLoggedOut and registers it as the coordinator's failure handler.
func New(store *credential.Store, auth Authenticator, coord Coordinator, channel Channel, log *slog.Logger, obs Observer) (*Controller, error) {
	if store == nil || auth == nil || coord == nil || channel == nil {
		return nil, fmt.Errorf("%w: store, authenticator, coordinator and channel are required", ErrConfig)
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		store:   store,
		auth:    auth,
		coord:   coord,
		channel: channel,
		log:     log,
		obs:     obs,
	}
	coord.OnFailure(c.forceLogout)
	return c, nil
}

// State returns the current state. Refreshing is derived from the coordinator.
func (c *Controller) State() State {
	c.mu.Lock()
	base := c.base
	c.mu.Unlock()

	if base == StateActive && c.coord.InFlight() {
		return StateRefreshing
	}
	return base
}

// Snapshot returns the state plus token-free credential metadata.
func (c *Controller) Snapshot() Snapshot {
	s := Snapshot{State: c.State().String()}
	if cred, ok := c.store.Get(); ok {
		subj := cred.Subject
		s.Subject = &subj
		s.CredentialVersion = cred.Version
		s.TokenFingerprint = cred.Fingerprint()
		if !cred.AccessExpiry.IsZero() {
			exp := cred.AccessExpiry
			s.AccessExpiry = &exp
		}
	}
	return s
}

// StartOption adjusts what Restore and Login bring up with the session.
type StartOption func(*startOptions)

type startOptions struct {
	channel bool
}

// WithoutChannel leaves the realtime channel stopped. One-shot commands use it.
func WithoutChannel() StartOption {
	return func(o *startOptions) { o.channel = false }
}

func buildStartOptions(opts []StartOption) startOptions {
	o := startOptions{channel: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Restore resumes a session persisted by a previous process. It reports whether one was found.
func (c *Controller) Restore(ctx context.Context, opts ...StartOption) (bool, error) {
	o := buildStartOptions(opts)

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.base != StateLoggedOut {
		c.mu.Unlock()
		return false, ErrAlreadyLoggedIn
	}
	c.mu.Unlock()

	cred, ok, err := c.store.Load(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	c.mu.Lock()
	c.setBaseLocked(StateActive)
	c.mu.Unlock()
	if o.channel {
		c.channel.Start()
	}

	c.log.Info("session.restore.ok",
		"subject_id", cred.Subject.ID,
		"credential_version", cred.Version,
		"token_fp", cred.Fingerprint(),
		"channel", o.channel,
	)
	return true, nil
}

// Login authenticates and, on success, publishes the credential and starts the realtime channel.
func (c *Controller) Login(ctx context.Context, email, password string, opts ...StartOption) error {
	o := buildStartOptions(opts)

	c.mu.Lock()
	switch c.base {
	case StateActive:
		c.mu.Unlock()
		return ErrAlreadyLoggedIn
	case StateAuthenticating:
		c.mu.Unlock()
		return ErrLoginInProgress
	}
	c.seq++
	seq := c.seq
	c.setBaseLocked(StateAuthenticating)
	c.mu.Unlock()

	c.log.Info("session.login.start")
	cred, err := c.auth.Login(ctx, email, password)

	c.opMu.Lock()
	defer c.opMu.Unlock()

	// A Logout that ran during the network call bumped seq; it cannot interleave from here
	// on because it needs opMu.
	c.mu.Lock()
	if c.seq != seq {
		c.mu.Unlock()
		c.log.Info("session.login.discard")
		return ErrLoginCancelled
	}
	if err != nil {
		c.setBaseLocked(StateLoggedOut)
		c.mu.Unlock()
		c.log.Info("session.login.fail", "err", err)
		return err
	}
	c.mu.Unlock()

	published, err := c.store.Set(ctx, cred)
	if err != nil {
		c.mu.Lock()
		c.setBaseLocked(StateLoggedOut)
		c.mu.Unlock()
		c.log.Error("session.login.persist_fail", "err", err)
		return err
	}

	c.mu.Lock()
	c.setBaseLocked(StateActive)
	c.mu.Unlock()
	if o.channel {
		c.channel.Start()
	}

	c.log.Info("session.login.ok",
		"subject_id", published.Subject.ID,
		"role", published.Subject.Role,
		"credential_version", published.Version,
		"token_fp", published.Fingerprint(),
		"channel", o.channel,
	)
	c.notify(Notice{Kind: NoticeLoggedIn, At: time.Now().UTC()})
	return nil
}

// Logout tears the session down from any state: it fails pending refresh waiters, stops the
// realtime channel and clears the store. A refresh that resolves afterwards is discarded.
func (c *Controller) Logout(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	prev := c.base
	c.seq++
	c.setBaseLocked(StateLoggedOut)
	c.mu.Unlock()

	// Cancel before Clear: a refresh persisting concurrently either lands first and is wiped,
	// or fails its version check.
	cancelled := c.coord.Cancel()
	c.channel.Stop()
	err := c.store.Clear(ctx)

	c.log.Info("session.logout",
		"from", prev.String(),
		"refresh_cancelled", cancelled,
	)
	if prev != StateLoggedOut {
		c.notify(Notice{Kind: NoticeLoggedOut, At: time.Now().UTC()})
	}
	if err != nil {
		return fmt.Errorf("session: logout: %w", err)
	}
	return nil
}

// Subscribe registers fn for notices. fn must not block or call back into the Controller
// synchronously.
func (c *Controller) Subscribe(fn func(Notice)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	c.subsMu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs = append(c.subs, noticeSub{id: id, fn: fn})
	c.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subsMu.Lock()
			defer c.subsMu.Unlock()
			for i, s := range c.subs {
				if s.id == id {
					c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// forceLogout runs when a refresh ticket is rejected: Expired, then teardown, then LoggedOut.
func (c *Controller) forceLogout(cause error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.base != StateActive {
		c.mu.Unlock()
		return
	}
	c.seq++
	seq := c.seq
	c.setBaseLocked(StateExpired)
	c.mu.Unlock()

	c.channel.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	clearErr := c.store.Clear(ctx)
	cancel()

	// A login started while Expired owns the state now.
	c.mu.Lock()
	if c.seq == seq {
		c.setBaseLocked(StateLoggedOut)
	}
	c.mu.Unlock()

	c.log.Warn("session.expired", "err", cause)
	if clearErr != nil && !errors.Is(clearErr, context.Canceled) {
		c.log.Error("session.expired.clear_fail", "err", clearErr)
	}
	c.notify(Notice{Kind: NoticeExpired, Message: ExpiredMessage, At: time.Now().UTC()})
}

func (c *Controller) setBaseLocked(s State) {
	if c.base == s {
		return
	}
	c.base = s
	if c.obs != nil {
		c.obs.SessionState(s)
	}
}

func (c *Controller) notify(n Notice) {
	c.subsMu.Lock()
	subs := make([]noticeSub, len(c.subs))
	copy(subs, c.subs)
	c.subsMu.Unlock()

	for _, s := range subs {
		s.fn(n)
	}
}
