package app

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"hms/cmd/internal/auth/credential"
	"hms/cmd/internal/auth/session"
	"hms/cmd/internal/realtime"
)

type fakeSession struct {
	state session.State
	snap  session.Snapshot
}

func (f fakeSession) State() session.State       { return f.state }
func (f fakeSession) Snapshot() session.Snapshot { return f.snap }

type fakeChannel realtime.State

func (f fakeChannel) State() realtime.State { return realtime.State(f) }

func newAdminMux(ctl sessionSource, ch channelSource) *http.ServeMux {
	mux := http.NewServeMux()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("hms_session_state 2\n"))
	})
	registerHTTP(mux, slog.New(slog.NewTextHandler(io.Discard, nil)), ctl, ch, metrics)
	return mux
}

func TestAdminRoutes_Readyz(t *testing.T) {
	t.Parallel()

	cases := []struct {
		state session.State
		want  int
	}{
		{state: session.StateActive, want: http.StatusOK},
		{state: session.StateRefreshing, want: http.StatusOK},
		{state: session.StateLoggedOut, want: http.StatusServiceUnavailable},
		{state: session.StateAuthenticating, want: http.StatusServiceUnavailable},
		{state: session.StateExpired, want: http.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		mux := newAdminMux(fakeSession{state: tc.state}, fakeChannel(realtime.StateClosed))
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rr.Code != tc.want {
			t.Fatalf("state=%s status=%d want=%d", tc.state, rr.Code, tc.want)
		}
	}
}

func TestAdminRoutes_Healthz(t *testing.T) {
	t.Parallel()

	mux := newAdminMux(fakeSession{}, fakeChannel(realtime.StateClosed))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok\n" {
		t.Fatalf("healthz: %d %q", rr.Code, rr.Body.String())
	}
}

func TestAdminRoutes_Session(t *testing.T) {
	t.Parallel()

	snap := session.Snapshot{
		State:             session.StateActive.String(),
		Subject:           &credential.Subject{ID: "u-1", Role: "doctor"},
		CredentialVersion: 3,
		TokenFingerprint:  "fp",
	}
	mux := newAdminMux(fakeSession{state: session.StateActive, snap: snap}, fakeChannel(realtime.StateOpen))

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/session", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type=%q", ct)
	}

	var got map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["state"] != "active" || got["realtime"] != "open" || got["credentialVersion"] != float64(3) {
		t.Fatalf("unexpected body: %v", got)
	}
	if strings.Contains(rr.Body.String(), "accessToken") || strings.Contains(rr.Body.String(), "refreshToken") {
		t.Fatalf("body must not carry tokens: %s", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/session", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /session status=%d", rr.Code)
	}
}

func TestAdminRoutes_Metrics(t *testing.T) {
	t.Parallel()

	mux := newAdminMux(fakeSession{}, fakeChannel(realtime.StateClosed))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rr.Body.String(), "hms_session_state") {
		t.Fatalf("metrics not served: %q", rr.Body.String())
	}
}
