package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newAuthServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		w.Header().Set("Content-Type", "application/json")
		if in.Password != "correct horse" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":"invalid_credentials","message":"bad credentials"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"accessToken":"acc-1","refreshToken":"ref-1","user":{"id":"u-1","role":"doctor"}}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(srv *httptest.Server) Config {
	cfg := DefaultConfig()
	cfg.API.BaseURL = srv.URL
	cfg.Realtime.URL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	cfg.Realtime.ReconnectEvery = 50 * time.Millisecond
	cfg.Admin.Addr = ""
	return cfg
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestApp_LoginAdminLogout(t *testing.T) {
	srv := newAuthServer(t)
	ctx := context.Background()

	a, err := New(ctx, testConfig(srv), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	admin := a.AdminHandler()
	require.Equal(t, http.StatusServiceUnavailable, get(t, admin, "/readyz").Code)

	require.Error(t, a.Session.Login(ctx, "doctor@example.com", "wrong"))
	require.NoError(t, a.Session.Login(ctx, "doctor@example.com", "correct horse"))

	require.Equal(t, http.StatusOK, get(t, admin, "/readyz").Code)

	rr := get(t, admin, "/session")
	require.Equal(t, http.StatusOK, rr.Code)
	var view map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	require.Equal(t, "active", view["state"])
	require.Equal(t, map[string]any{"id": "u-1", "role": "doctor"}, view["subject"])
	require.NotContains(t, rr.Body.String(), "acc-1")
	require.NotContains(t, rr.Body.String(), "ref-1")

	require.Contains(t, get(t, admin, "/metrics").Body.String(), "hms_session_state")

	require.NoError(t, a.Session.Logout(ctx))
	require.Equal(t, http.StatusServiceUnavailable, get(t, admin, "/readyz").Code)

	_, ok := a.Store.Get()
	require.False(t, ok)
}

func TestApp_BadgerSurvivesRestart(t *testing.T) {
	srv := newAuthServer(t)
	ctx := context.Background()

	cfg := testConfig(srv)
	cfg.Storage.Driver = DriverBadger
	cfg.Storage.Dir = t.TempDir()
	cfg.Storage.SealKeyHex = strings.Repeat("ab", 32)

	first, err := New(ctx, cfg, testLogger())
	require.NoError(t, err)
	require.NoError(t, first.Session.Login(ctx, "doctor@example.com", "correct horse"))
	require.NoError(t, first.Close())

	second, err := New(ctx, cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	st, err := second.Stored(ctx)
	require.NoError(t, err)
	require.True(t, st.LoggedIn)
	require.True(t, st.CanRefresh)
	require.Equal(t, "u-1", st.Subject.ID)
	require.NotEmpty(t, st.TokenFingerprint)

	restored, err := second.Session.Restore(ctx)
	require.NoError(t, err)
	require.True(t, restored)
	require.Equal(t, "active", second.Session.Snapshot().State)
}

func TestApp_StoredWhenEmpty(t *testing.T) {
	srv := newAuthServer(t)

	a, err := New(context.Background(), testConfig(srv), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	st, err := a.Stored(context.Background())
	require.NoError(t, err)
	require.False(t, st.LoggedIn)
	require.Nil(t, st.Subject)
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	srv := newAuthServer(t)
	cfg := testConfig(srv)
	cfg.Admin.Addr = "127.0.0.1:0"

	a, err := New(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestOpenStorage_RejectsBadSealKey(t *testing.T) {
	t.Parallel()

	_, _, err := openStorage(context.Background(), StorageConfig{Driver: DriverMemory, SealKeyHex: "zz"}, testLogger())
	require.Error(t, err)
}

func TestWSURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://hms.example.com", want: "wss://hms.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		if got := wsURL(tc.in); got != tc.want {
			t.Fatalf("wsURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}
