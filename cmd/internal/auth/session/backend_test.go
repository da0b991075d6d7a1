package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"hms/cmd/internal/auth/authapi"
	"hms/cmd/internal/auth/credential"
	"hms/cmd/internal/auth/refresh"
	"hms/cmd/internal/gateway"
	"hms/cmd/internal/realtime"
	"hms/cmd/security/token"
	v1 "hms/shared/contracts/realtime/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// backend fakes the auth server, one REST resource and the realtime endpoint.
// Exactly one access token is valid at a time.
type backend struct {
	*httptest.Server

	mu        sync.Mutex
	access    string
	refresh   string
	issued    int
	revoked   bool
	latency   time.Duration
	gate      chan struct{}
	wsConns   []*websocket.Conn
	wsTokens  []string
	refreshes atomic.Int32
	apiHits   atomic.Int32
}

func newBackend(t *testing.T) *backend {
	t.Helper()

	b := &backend{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", b.login)
	mux.HandleFunc("POST /auth/refresh-token", b.refreshToken)
	mux.HandleFunc("GET /api/patients", b.patients)
	mux.HandleFunc("/ws", b.ws)
	b.Server = httptest.NewServer(mux)
	t.Cleanup(b.Close)
	return b
}

func (b *backend) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (b *backend) issueLocked() {
	b.issued++
	b.access = fmt.Sprintf("acc-%d", b.issued)
	b.refresh = fmt.Sprintf("ref-%d", b.issued)
}

func (b *backend) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Password != "correct horse" {
		b.writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]string{"code": "invalid_credentials", "message": "invalid"}})
		return
	}

	b.mu.Lock()
	b.issueLocked()
	resp := map[string]any{
		"accessToken":  b.access,
		"refreshToken": b.refresh,
		"user":         map[string]string{"id": "staff-7", "role": "doctor"},
	}
	b.mu.Unlock()
	b.writeJSON(w, http.StatusOK, resp)
}

func (b *backend) refreshToken(w http.ResponseWriter, r *http.Request) {
	b.refreshes.Add(1)

	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	b.mu.Lock()
	latency, gate := b.latency, b.gate
	b.mu.Unlock()
	if latency > 0 {
		time.Sleep(latency)
	}
	if gate != nil {
		<-gate
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.revoked || req.RefreshToken != b.refresh {
		b.writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]string{"code": "invalid_refresh", "message": "revoked"}})
		return
	}
	b.issueLocked()
	b.writeJSON(w, http.StatusOK, map[string]string{"accessToken": b.access, "refreshToken": b.refresh})
}

func (b *backend) authorized(r *http.Request) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.access != "" && r.Header.Get("Authorization") == "Bearer "+b.access
}

func (b *backend) patients(w http.ResponseWriter, r *http.Request) {
	b.apiHits.Add(1)
	if !b.authorized(r) {
		b.writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]string{"code": "unauthorized", "message": "expired"}})
		return
	}
	b.writeJSON(w, http.StatusOK, []map[string]string{{"id": "p1", "name": "Ada"}})
}

func (b *backend) ws(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{v1.Subprotocol}})
	if err != nil {
		return
	}
	ctx := context.Background()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return
	}
	var hello v1.Envelope
	_ = json.Unmarshal(data, &hello)
	var hp v1.HelloPayload
	_ = json.Unmarshal(hello.Payload, &hp)

	ack, _ := json.Marshal(v1.Envelope{V: v1.Version, Type: v1.TypeHelloAck, ID: "ack", TS: time.Now().UTC(), Payload: json.RawMessage(`{"session_id":"srv"}`)})
	if err := conn.Write(ctx, websocket.MessageText, ack); err != nil {
		return
	}

	b.mu.Lock()
	b.wsConns = append(b.wsConns, conn)
	b.wsTokens = append(b.wsTokens, hp.Auth.Token)
	b.mu.Unlock()

	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// expireAccess makes the current access token invalid server-side.
func (b *backend) expireAccess() {
	b.mu.Lock()
	b.access = "expired-" + b.access
	b.mu.Unlock()
}

func (b *backend) lastWS() (*websocket.Conn, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.wsConns) == 0 {
		return nil, ""
	}
	return b.wsConns[len(b.wsConns)-1], b.wsTokens[len(b.wsTokens)-1]
}

// agent is a fully wired client-side session manager.
type agent struct {
	store   *credential.Store
	storage *credential.MemoryStorage
	coord   *refresh.Coordinator
	gw      *gateway.Gateway
	ch      *realtime.Channel
	ctl     *Controller
	notices chan Notice
}

func newAgent(t *testing.T, b *backend, storage *credential.MemoryStorage) *agent {
	t.Helper()

	if storage == nil {
		storage = credential.NewMemoryStorage()
	}

	api, err := authapi.New(b.URL, b.Client(), testLogger())
	require.NoError(t, err)
	inspector, err := token.NewInspector(token.DefaultInspectorConfig())
	require.NoError(t, err)
	issuer, err := NewIssuer(api, inspector)
	require.NoError(t, err)

	a := &agent{storage: storage, notices: make(chan Notice, 8)}
	a.store = credential.NewStore(storage, testLogger(), credential.WithExpiry(issuer.ExpiryFor))

	a.coord, err = refresh.New(a.store, issuer, testLogger(), refresh.Config{Timeout: 5 * time.Second})
	require.NoError(t, err)

	a.gw, err = gateway.New(b.Client(), a.store, a.coord, testLogger(), gateway.Config{BaseURL: b.URL + "/api"})
	require.NoError(t, err)

	a.ch, err = realtime.New(a.store, a.coord, testLogger(), realtime.Config{
		URL:            "ws" + strings.TrimPrefix(b.URL, "http") + "/ws",
		ConnectTimeout: 2 * time.Second,
		ReconnectEvery: 10 * time.Millisecond,
		ReconnectBurst: 10,
	})
	require.NoError(t, err)

	a.ctl, err = New(a.store, issuer, a.coord, a.ch, testLogger(), nil)
	require.NoError(t, err)
	a.ctl.Subscribe(func(n Notice) { a.notices <- n })

	t.Cleanup(a.ch.Stop)
	return a
}

func (a *agent) listPatients(ctx context.Context) error {
	var out []map[string]string
	return a.gw.DoJSON(ctx, http.MethodGet, "/patients", nil, &out)
}

func (a *agent) waitChannelOn(t *testing.T, b *backend, access string) {
	t.Helper()
	require.Eventually(t, func() bool {
		cur, ok := a.store.Get()
		tag, open := a.ch.Current()
		_, tok := b.lastWS()
		return ok && open && cur.AccessToken == access && tag.Version == cur.Version && tok == access
	}, 3*time.Second, 5*time.Millisecond)
}
