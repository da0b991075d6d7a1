package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"hms/cmd/internal/auth/credential"
	"hms/cmd/internal/ids"
)

// DefaultTimeout bounds one network refresh exchange.
const DefaultTimeout = 10 * time.Second

// Exchanger performs the network exchange of cur's refresh token for a new Credential.
// The returned Credential's Version is ignored; the store assigns it.
type Exchanger interface {
	Exchange(ctx context.Context, cur credential.Credential) (credential.Credential, error)
}

// ExchangerFunc adapts a function to Exchanger.
type ExchangerFunc func(ctx context.Context, cur credential.Credential) (credential.Credential, error)

func (f ExchangerFunc) Exchange(ctx context.Context, cur credential.Credential) (credential.Credential, error) {
	return f(ctx, cur)
}

// Config controls a Coordinator.
type Config struct {
	// Timeout bounds the network exchange. A timeout is a rejection.
	Timeout time.Duration

	// Observer is optional.
	Observer Observer
}

type ticket struct {
	id      string
	started time.Time
	cancel  context.CancelFunc
	waiters int

	// done is closed once cred/err are final.
	done chan struct{}
	cred credential.Credential
	err  error
}

// Coordinator collapses concurrent refresh requests into one network exchange.
//
// The slot is either empty (idle) or holds exactly one ticket. It is only read or written
// under mu. The refreshed credential is persisted with mu released and bounded by the ticket
// timeout; Store.Replace is a version CAS, so a publish that races a Cancel plus Clear either
// lands before the Clear (and is wiped) or after it (and returns ErrStale).
type Coordinator struct {
	store   *credential.Store
	ex      Exchanger
	log     *slog.Logger
	timeout time.Duration
	obs     Observer

	mu        sync.Mutex
	inflight  *ticket
	onFailure func(error)

	busy atomic.Bool
}

// New builds a Coordinator.
func New(store *credential.Store, ex Exchanger, log *slog.Logger, cfg Config) (*Coordinator, error) {
	if store == nil || ex == nil {
		return nil, fmt.Errorf("%w: store and exchanger are required", ErrConfig)
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("%w: negative timeout", ErrConfig)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		store:   store,
		ex:      ex,
		log:     log,
		timeout: cfg.Timeout,
		obs:     cfg.Observer,
	}, nil
}

// OnFailure registers fn to run after a ticket is rejected. fn runs on the ticket's goroutine
// after all waiters were released, and may call Cancel.
func (c *Coordinator) OnFailure(fn func(error)) {
	c.mu.Lock()
	c.onFailure = fn
	c.mu.Unlock()
}

// InFlight reports whether a ticket currently occupies the slot.
func (c *Coordinator) InFlight() bool { return c.busy.Load() }

// Refresh returns a Credential newer than the one whose access token was stale.
//
// staleAccessToken is the token the failed operation used. When the store already holds a
// different access token and nothing is in flight, the current credential is returned with
// no network call. An empty staleAccessToken always refreshes.
//
// ctx only bounds how long this caller waits; it never cancels the shared exchange.
func (c *Coordinator) Refresh(ctx context.Context, staleAccessToken string) (credential.Credential, error) {
	c.mu.Lock()
	t := c.inflight
	if t == nil {
		cur, ok := c.store.Get()
		if !ok || cur.RefreshToken == "" {
			c.mu.Unlock()
			return credential.Credential{}, ErrNoRefreshToken
		}
		if staleAccessToken != "" && cur.AccessToken != staleAccessToken {
			c.mu.Unlock()
			return cur, nil
		}
		t = c.startLocked(cur)
	} else {
		c.obs.WaiterAttached()
	}
	t.waiters++
	c.mu.Unlock()

	select {
	case <-t.done:
		return t.cred, t.err
	case <-ctx.Done():
		return credential.Credential{}, ctx.Err()
	}
}

// Cancel empties the slot. Waiters receive ErrSessionClosed and a late result is discarded.
// It reports whether a ticket was cancelled.
func (c *Coordinator) Cancel() bool {
	c.mu.Lock()
	t := c.inflight
	if t == nil {
		c.mu.Unlock()
		return false
	}
	c.inflight = nil
	c.busy.Store(false)
	t.err = ErrSessionClosed
	close(t.done)
	c.mu.Unlock()

	t.cancel()
	c.obs.TicketResolved(ResultCancelled, time.Since(t.started))
	c.log.Info("refresh.ticket.cancel", "ticket_id", t.id, "waiters", t.waiters)
	return true
}

func (c *Coordinator) startLocked(cur credential.Credential) *ticket {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	now := time.Now().UTC()
	t := &ticket{
		id:      ids.New(now),
		started: now,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.inflight = t
	c.busy.Store(true)
	c.obs.TicketStarted()

	c.log.Info("refresh.ticket.start",
		"ticket_id", t.id,
		"credential_version", cur.Version,
		"token_fp", cur.Fingerprint(),
	)

	go c.run(ctx, t, cur)
	return t
}

func (c *Coordinator) run(ctx context.Context, t *ticket, cur credential.Credential) {
	defer t.cancel()

	next, err := c.ex.Exchange(ctx, cur)
	if err == nil && next.IsZero() {
		err = errors.New("exchange returned an empty credential")
	}
	if err == nil && next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}

	c.mu.Lock()
	stillOwned := c.inflight == t
	c.mu.Unlock()
	if !stillOwned {
		c.log.Info("refresh.ticket.discard", "ticket_id", t.id, "exchange_ok", err == nil)
		return
	}

	var (
		published credential.Credential
		terr      error
		result    = ResultOK
		failed    bool
	)
	if err == nil {
		// The store may have been cleared or replaced while the exchange was out.
		pctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		var perr error
		published, perr = c.store.Replace(pctx, cur.Version, next)
		cancel()
		switch {
		case perr == nil:
		case errors.Is(perr, credential.ErrStale):
			result = ResultDiscarded
			terr = ErrSessionClosed
		default:
			result = ResultRejected
			failed = true
			terr = &RejectedError{TicketID: t.id, Err: perr}
		}
	} else {
		result = ResultRejected
		failed = true
		terr = &RejectedError{TicketID: t.id, Err: err}
	}

	c.mu.Lock()
	if c.inflight != t {
		c.mu.Unlock()
		c.log.Info("refresh.ticket.discard", "ticket_id", t.id, "exchange_ok", err == nil, "persisted", terr == nil)
		return
	}
	t.cred, t.err = published, terr
	c.inflight = nil
	c.busy.Store(false)
	close(t.done)
	onFailure := c.onFailure
	c.mu.Unlock()

	elapsed := time.Since(t.started)
	c.obs.TicketResolved(result, elapsed)

	if !failed {
		c.log.Info("refresh.ticket.done",
			"ticket_id", t.id,
			"result", string(result),
			"waiters", t.waiters,
			"elapsed_ms", elapsed.Milliseconds(),
			"credential_version", t.cred.Version,
		)
		return
	}

	c.log.Warn("refresh.ticket.rejected",
		"ticket_id", t.id,
		"waiters", t.waiters,
		"elapsed_ms", elapsed.Milliseconds(),
		"err", t.err,
	)
	if onFailure != nil {
		onFailure(t.err)
	}
}
