package app

import (
	"encoding/json"
	"net/http"

	"hms/cmd/internal/auth/session"
	"hms/cmd/internal/realtime"
)

// sessionView is the /session payload. It never carries tokens.
type sessionView struct {
	session.Snapshot
	Realtime string `json:"realtime"`
}

type sessionSource interface {
	State() session.State
	Snapshot() session.Snapshot
}

type channelSource interface {
	State() realtime.State
}

func registerHTTP(mux *http.ServeMux, log Logger, ctl sessionSource, ch channelSource, metrics http.Handler) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		switch st := ctl.State(); st {
		case session.StateActive, session.StateRefreshing:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
		default:
			http.Error(w, "session "+st.String(), http.StatusServiceUnavailable)
		}
	})

	mux.HandleFunc("GET /session", func(w http.ResponseWriter, _ *http.Request) {
		view := sessionView{Snapshot: ctl.Snapshot(), Realtime: ch.State().String()}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(view); err != nil {
			log.Warn("admin.session.encode_fail", "err", err)
		}
	})

	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
}
