package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"hms/cmd/internal/auth/credential"
	"hms/cmd/internal/ids"
	v1 "hms/shared/contracts/realtime/v1"
)

// Refresher returns a credential newer than the one carrying staleAccessToken.
type Refresher interface {
	Refresh(ctx context.Context, staleAccessToken string) (credential.Credential, error)
}

// Config controls a Channel. Zero durations take package defaults.
type Config struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	ConnectTimeout    time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// ReconnectEvery and ReconnectBurst throttle dials.
	ReconnectEvery time.Duration
	ReconnectBurst int

	// HTTPClient is used for the websocket handshake. Optional.
	HTTPClient *http.Client

	Observer Observer
}

// Channel maintains one authenticated realtime connection bound to the current credential.
//
// Concurrency:
//   - One run loop goroutine dials; it is woken through a 1-slot channel.
//   - The store subscriber only retires connections and wakes the loop, so it never blocks.
//   - Handlers run on a dedicated dispatcher goroutine.
type Channel struct {
	store   *credential.Store
	ref     Refresher
	log     *slog.Logger
	cfg     Config
	limiter *rate.Limiter
	obs     Observer

	wake chan struct{}

	mu             sync.Mutex
	running        bool
	gen            uint64
	state          State
	conn           *Connection
	expiredVersion uint64
	cancel         context.CancelFunc
	unsub          func()
	events         chan Event
	loopDone       chan struct{}
	dispatchDone   chan struct{}

	hmu         sync.RWMutex
	handlers    map[string][]handlerEntry
	nextHandler uint64
}

// New builds a stopped Channel.
func New(store *credential.Store, ref Refresher, log *slog.Logger, cfg Config) (*Channel, error) {
	if store == nil || ref == nil {
		return nil, fmt.Errorf("%w: store and refresher are required", ErrConfig)
	}
	u, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss" && u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: url %q", ErrConfig, cfg.URL)
	}
	cfg.URL = u.String()

	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = heartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = heartbeatTimeout
	}
	if cfg.ReconnectEvery <= 0 {
		cfg.ReconnectEvery = reconnectEvery
	}
	if cfg.ReconnectBurst <= 0 {
		cfg.ReconnectBurst = reconnectBurst
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if log == nil {
		log = slog.Default()
	}

	return &Channel{
		store:    store,
		ref:      ref,
		log:      log,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Every(cfg.ReconnectEvery), cfg.ReconnectBurst),
		obs:      cfg.Observer,
		wake:     make(chan struct{}, 1),
		handlers: make(map[string][]handlerEntry),
	}, nil
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Running reports whether Start was called without a matching Stop.
func (c *Channel) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Current returns the tag of the open connection, if any.
func (c *Channel) Current() (Tag, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return Tag{}, false
	}
	return c.conn.Tag, true
}

// Start subscribes to the store and begins connecting. It is a no-op when already running.
func (c *Channel) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.running = true
	c.gen++
	gen := c.gen
	c.cancel = cancel
	c.expiredVersion = 0
	c.events = make(chan Event, eventQueueSize)
	c.loopDone = make(chan struct{})
	c.dispatchDone = make(chan struct{})
	c.unsub = c.store.Subscribe(c.onChange)

	events, loopDone, dispatchDone := c.events, c.loopDone, c.dispatchDone
	c.mu.Unlock()

	c.log.Info("ws.start", "url", c.cfg.URL)

	go c.dispatch(ctx, events, dispatchDone)
	go c.loop(ctx, gen, loopDone)
	c.kick()
}

// Stop closes the connection, discards any dial in progress and waits for the run loop.
// It is a no-op when not running. It must not be called from a Handler.
func (c *Channel) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.expiredVersion = 0

	if conn := c.conn; conn != nil {
		c.conn = nil
		conn.retire(websocket.StatusNormalClosure, "stopped")
		c.emitLocked(Event{Name: EventDisconnect, ConnectionID: conn.ID, Version: conn.Tag.Version})
	}
	c.setStateLocked(StateClosed)

	unsub, cancel := c.unsub, c.cancel
	loopDone, dispatchDone := c.loopDone, c.dispatchDone
	c.unsub, c.cancel = nil, nil
	c.mu.Unlock()

	unsub()
	cancel()
	<-loopDone
	<-dispatchDone

	c.log.Info("ws.stop")
}

// onChange runs synchronously inside the store's Set/Clear. It must not block.
func (c *Channel) onChange(ch credential.Change) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}

	if conn := c.conn; conn != nil && (ch.Kind == credential.ChangeCleared || conn.Tag.Version != ch.Credential.Version) {
		c.conn = nil
		conn.retire(websocket.StatusNormalClosure, "credential changed")
		c.emitLocked(Event{Name: EventDisconnect, ConnectionID: conn.ID, Version: conn.Tag.Version})
		c.log.Info("ws.conn.retire",
			"connection_id", conn.ID,
			"credential_version", conn.Tag.Version,
			"next_version", ch.Credential.Version,
		)
	}

	c.expiredVersion = 0
	if ch.Kind == credential.ChangeCleared {
		c.setStateLocked(StateClosed)
	} else if c.conn == nil {
		c.setStateLocked(StateReconnecting)
	}
	c.mu.Unlock()

	c.kick()
}

func (c *Channel) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Channel) activeLocked(gen uint64) bool {
	return c.running && c.gen == gen
}

func (c *Channel) setStateLocked(s State) {
	if c.state == s {
		return
	}
	prev := c.state
	c.state = s
	c.obs.StateChanged(s)
	c.log.Debug("ws.state", "from", prev.String(), "to", s.String())
}

func (c *Channel) loop(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		}
		c.reconcile(ctx, gen)
	}
}

// reconcile dials when there is a credential and no connection bound to it.
func (c *Channel) reconcile(ctx context.Context, gen uint64) {
	if !c.needsDial(gen) {
		return
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return
	}

	// The credential is read at dial time, never carried over from an earlier decision.
	cred, ok := c.store.Get()

	c.mu.Lock()
	if !c.activeLocked(gen) || !ok || c.conn != nil || c.expiredVersion == cred.Version {
		c.mu.Unlock()
		c.kick()
		return
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	conn, err := c.dial(dctx, cred)
	cancel()

	c.finishDial(ctx, gen, cred, conn, err)
}

func (c *Channel) needsDial(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.activeLocked(gen) {
		return false
	}

	cred, ok := c.store.Get()
	if conn := c.conn; conn != nil {
		if ok && conn.Tag.Version == cred.Version {
			return false
		}
		c.conn = nil
		conn.retire(websocket.StatusNormalClosure, "credential changed")
	}
	if !ok {
		c.setStateLocked(StateClosed)
		return false
	}
	if c.expiredVersion != 0 && c.expiredVersion == cred.Version {
		c.setStateLocked(StateReconnecting)
		return false
	}
	return true
}

func (c *Channel) finishDial(ctx context.Context, gen uint64, cred credential.Credential, conn *Connection, err error) {
	c.mu.Lock()

	if !c.activeLocked(gen) {
		c.mu.Unlock()
		if conn != nil {
			conn.retire(websocket.StatusNormalClosure, "stopped")
		}
		c.obs.ConnectAttempt(ConnectDiscarded)
		c.log.Info("ws.dial.discard", "credential_version", cred.Version)
		return
	}

	latest, ok := c.store.Get()
	if !ok || latest.Version != cred.Version {
		c.mu.Unlock()
		if conn != nil {
			conn.retire(websocket.StatusNormalClosure, "credential changed")
		}
		c.obs.ConnectAttempt(ConnectStale)
		c.log.Info("ws.dial.stale", "credential_version", cred.Version)
		c.kick()
		return
	}

	if err != nil {
		if errors.Is(err, ErrAuthExpired) {
			c.expiredVersion = cred.Version
			c.setStateLocked(StateReconnecting)
			c.mu.Unlock()

			c.obs.ConnectAttempt(ConnectAuthExpired)
			c.log.Info("ws.dial.auth_expired", "credential_version", cred.Version, "token_fp", cred.Fingerprint())
			go c.renew(ctx, cred.Version)
			return
		}

		c.setStateLocked(StateReconnecting)
		c.mu.Unlock()

		c.obs.ConnectAttempt(ConnectError)
		c.log.Warn("ws.dial.fail", "credential_version", cred.Version, "err", err)
		c.kick()
		return
	}

	c.conn = conn
	c.setStateLocked(StateOpen)
	c.emitLocked(Event{Name: EventConnect, ConnectionID: conn.ID, Version: conn.Tag.Version})
	c.mu.Unlock()

	c.obs.ConnectAttempt(ConnectOK)
	c.log.Info("ws.conn.open",
		"connection_id", conn.ID,
		"session_id", conn.SessionID,
		"credential_version", conn.Tag.Version,
		"token_fp", conn.Tag.Fingerprint,
	)

	go c.readLoop(ctx, conn)
	go c.heartbeat(ctx, conn)
}

// renew asks the coordinator for a credential newer than version. The publish that follows
// wakes the loop through onChange.
func (c *Channel) renew(ctx context.Context, version uint64) {
	cur, ok := c.store.Get()
	if !ok {
		return
	}
	if cur.Version != version {
		c.kick()
		return
	}
	if _, err := c.ref.Refresh(ctx, cur.AccessToken); err != nil {
		if ctx.Err() == nil {
			c.log.Warn("ws.refresh.fail", "credential_version", version, "err", err)
		}
		return
	}
	c.kick()
}

func (c *Channel) dial(ctx context.Context, cred credential.Credential) (*Connection, error) {
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+cred.AccessToken)

	ws, resp, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{
		HTTPClient:   c.cfg.HTTPClient,
		HTTPHeader:   hdr,
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: handshake status %d", ErrAuthExpired, resp.StatusCode)
		}
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	ws.SetReadLimit(maxFrameBytes)

	now := time.Now().UTC()
	hello, err := newEnvelope(v1.TypeHello, v1.HelloPayload{Auth: v1.HelloAuth{Token: cred.AccessToken}}, now)
	if err != nil {
		_ = ws.CloseNow()
		return nil, err
	}
	if err := writeEnvelope(ctx, ws, hello, c.cfg.WriteTimeout); err != nil {
		_ = ws.CloseNow()
		return nil, fmt.Errorf("realtime: write hello: %w", err)
	}

	ack, err := readEnvelope(ctx, ws)
	if err != nil {
		_ = ws.CloseNow()
		if classifyReadErr(err) == readErrAuthClose {
			return nil, fmt.Errorf("%w: closed during hello", ErrAuthExpired)
		}
		return nil, fmt.Errorf("realtime: read hello_ack: %w", err)
	}

	switch ack.Type {
	case v1.TypeHelloAck:
	case v1.TypeAuthExpired:
		_ = ws.Close(v1.CloseAuthExpired, "auth expired")
		return nil, fmt.Errorf("%w: rejected hello", ErrAuthExpired)
	default:
		_ = ws.Close(websocket.StatusPolicyViolation, "hello failed")
		var p v1.ErrorPayload
		_ = json.Unmarshal(ack.Payload, &p)
		return nil, fmt.Errorf("%w: %s %s", ErrHandshake, ack.Type, p.Code)
	}

	var ap v1.HelloAckPayload
	if len(ack.Payload) > 0 {
		if err := json.Unmarshal(ack.Payload, &ap); err != nil {
			_ = ws.Close(websocket.StatusProtocolError, "bad hello_ack")
			return nil, fmt.Errorf("%w: bad hello_ack: %v", ErrHandshake, err)
		}
	}

	return newConnection(ids.New(now), ap.SessionID, tagOf(cred), ws), nil
}

func (c *Channel) readLoop(ctx context.Context, conn *Connection) {
	for {
		env, err := readEnvelope(ctx, conn.ws)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrBadJSON:
				c.log.Info("ws.read.bad_json", "connection_id", conn.ID, "err", err)
				continue
			case readErrAuthClose:
				c.lost(ctx, conn, true, err)
			default:
				c.lost(ctx, conn, false, err)
			}
			return
		}

		if err := env.Validate(); err != nil {
			c.log.Info("ws.read.bad_envelope", "connection_id", conn.ID, "err", err)
			continue
		}

		if env.Type == v1.TypeAuthExpired {
			c.authExpired(ctx, conn, env)
			continue
		}
		c.push(conn, env)
	}
}

func (c *Channel) push(conn *Connection, env v1.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	e := env
	c.emitLocked(Event{Name: env.Type, ConnectionID: conn.ID, Version: conn.Tag.Version, Envelope: &e})
}

func (c *Channel) authExpired(ctx context.Context, conn *Connection, env v1.Envelope) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.expiredVersion = conn.Tag.Version
	c.setStateLocked(StateReconnecting)
	e := env
	c.emitLocked(Event{Name: EventAuthExpired, ConnectionID: conn.ID, Version: conn.Tag.Version, Envelope: &e})
	c.mu.Unlock()

	c.log.Info("ws.auth_expired", "connection_id", conn.ID, "credential_version", conn.Tag.Version)
	go c.renew(ctx, conn.Tag.Version)
}

// lost handles a connection that failed on its own (read error, heartbeat, server close).
func (c *Channel) lost(ctx context.Context, conn *Connection, authExpired bool, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	conn.retire(websocket.StatusGoingAway, "connection lost")
	if authExpired {
		c.expiredVersion = conn.Tag.Version
	}
	c.setStateLocked(StateReconnecting)
	c.emitLocked(Event{Name: EventDisconnect, ConnectionID: conn.ID, Version: conn.Tag.Version, Err: err})
	c.mu.Unlock()

	c.log.Info("ws.conn.lost",
		"connection_id", conn.ID,
		"credential_version", conn.Tag.Version,
		"close_status", websocket.CloseStatus(err),
		"auth_expired", authExpired,
		"err", err,
	)

	if authExpired {
		go c.renew(ctx, conn.Tag.Version)
		return
	}
	c.kick()
}

func (c *Channel) heartbeat(ctx context.Context, conn *Connection) {
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, c.cfg.HeartbeatTimeout)
			err := conn.ws.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				c.log.Info("ws.ping.fail", "connection_id", conn.ID, "failures", failures, "err", err)
				if failures >= maxPingFailures {
					c.lost(ctx, conn, false, fmt.Errorf("heartbeat failed: %w", err))
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (c *Channel) dispatch(ctx context.Context, events <-chan Event, done chan struct{}) {
	defer close(done)

	for {
		select {
		case ev := <-events:
			c.deliver(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-events:
					c.deliver(ev)
				default:
					return
				}
			}
		}
	}
}
