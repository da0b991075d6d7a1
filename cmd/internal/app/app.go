// Package app wires the session agent runtime: config, logging, credential storage, the
// refresh coordinator, the HTTP gateway, the realtime channel and the local admin server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"hms/cmd/internal/auth/authapi"
	"hms/cmd/internal/auth/credential"
	"hms/cmd/internal/auth/refresh"
	"hms/cmd/internal/auth/session"
	"hms/cmd/internal/gateway"
	"hms/cmd/internal/metrics"
	"hms/cmd/internal/realtime"
	"hms/cmd/security/token"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

const (
	dbConnectTimeout = 5 * time.Second
	shutdownTimeout  = 10 * time.Second
)

// App owns every session component and their lifecycles.
type App struct {
	cfg Config
	log Logger

	storage credential.Storage
	pool    *pgxpool.Pool

	Metrics     *metrics.Collector
	Store       *credential.Store
	Coordinator *refresh.Coordinator
	Gateway     *gateway.Gateway
	Channel     *realtime.Channel
	Session     *session.Controller
}

// New constructs a fully wired App. The caller must Close it.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.Log.Level, cfg.Log.Format)
	}

	storage, pool, err := openStorage(ctx, cfg.Storage, log)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, storage: storage, pool: pool, Metrics: metrics.New()}
	if err := a.wire(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	cfg := a.cfg
	httpClient := &http.Client{Timeout: cfg.API.RequestTimeout}

	api, err := authapi.New(cfg.API.BaseURL, httpClient, a.log)
	if err != nil {
		return err
	}
	inspector, err := token.NewInspector(token.InspectorConfig{
		DefaultTTL:         cfg.Auth.DefaultAccessTTL,
		MaxTTL:             cfg.Auth.MaxAccessTTL,
		PasetoPublicKeyHex: cfg.Auth.PasetoPublicKeyHex,
		Issuer:             cfg.Auth.Issuer,
	})
	if err != nil {
		return fmt.Errorf("token inspector: %w", err)
	}
	issuer, err := session.NewIssuer(api, inspector)
	if err != nil {
		return err
	}

	a.Store = credential.NewStore(a.storage, a.log, credential.WithExpiry(issuer.ExpiryFor))

	a.Coordinator, err = refresh.New(a.Store, issuer, a.log, refresh.Config{
		Timeout:  cfg.Auth.RefreshTimeout,
		Observer: a.Metrics,
	})
	if err != nil {
		return err
	}

	a.Gateway, err = gateway.New(httpClient, a.Store, a.Coordinator, a.log, gateway.Config{
		BaseURL:    cfg.API.BaseURL,
		ExpirySkew: cfg.Auth.ExpirySkew,
		Observer:   a.Metrics,
	})
	if err != nil {
		return err
	}

	a.Channel, err = realtime.New(a.Store, a.Coordinator, a.log, realtime.Config{
		URL:               cfg.Realtime.URL,
		ConnectTimeout:    cfg.Realtime.ConnectTimeout,
		HeartbeatInterval: cfg.Realtime.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Realtime.HeartbeatTimeout,
		ReconnectEvery:    cfg.Realtime.ReconnectEvery,
		ReconnectBurst:    cfg.Realtime.ReconnectBurst,
		Observer:          a.Metrics,
	})
	if err != nil {
		return err
	}

	a.Session, err = session.New(a.Store, issuer, a.Coordinator, a.Channel, a.log, a.Metrics)
	return err
}

// Run restores a persisted session, keeps it alive and serves the admin endpoints until ctx
// is done. The persisted credential survives; only Logout clears it.
func (a *App) Run(ctx context.Context) error {
	restored, err := a.Session.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore session: %w", err)
	}
	a.log.Info("agent.start",
		"restored", restored,
		"storage", a.cfg.Storage.Driver,
		"admin_addr", a.cfg.Admin.Addr,
	)

	unsub := a.Session.Subscribe(func(n session.Notice) {
		a.log.Info("agent.notice", "kind", n.Kind.String(), "message", n.Message)
	})
	defer unsub()

	off := a.Channel.On(realtime.EventAny, func(ev realtime.Event) {
		a.log.Debug("agent.realtime.event", "event", ev.Name, "conn_id", ev.ConnectionID)
	})
	defer off()

	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.Admin.Addr != "" {
		g.Go(func() error { return a.serveAdmin(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err = g.Wait()
	a.Channel.Stop()
	a.log.Info("agent.stopped")
	return err
}

// AdminHandler returns the admin mux wrapped in the request middleware.
func (a *App) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.Session, a.Channel, a.Metrics.Handler())
	return WithRequestLogging(WithSecurityHeaders(mux), a.log)
}

func (a *App) serveAdmin(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Admin.Addr,
		Handler:           a.AdminHandler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("admin.start", "addr", a.cfg.Admin.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		a.log.Error("admin.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("admin.shutdown.fail", "err", err)
		return err
	}
	return nil
}

// Close stops the realtime channel and releases storage resources.
func (a *App) Close() error {
	if a.Channel != nil {
		a.Channel.Stop()
	}
	var err error
	if a.storage != nil {
		err = a.storage.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return err
}

// openStorage builds the configured storage, sealed when a key is configured.
func openStorage(ctx context.Context, cfg StorageConfig, log Logger) (credential.Storage, *pgxpool.Pool, error) {
	var (
		storage credential.Storage
		pool    *pgxpool.Pool
	)

	switch cfg.Driver {
	case DriverBadger:
		bs, err := credential.NewBadgerStorage(cfg.Dir, log)
		if err != nil {
			return nil, nil, err
		}
		storage = bs
	case DriverPostgres:
		p, err := credential.NewPool(ctx, cfg.DatabaseURL, cfg.MaxConns, dbConnectTimeout)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		ps, err := credential.NewPostgresStorage(p, cfg.Schema, cfg.Profile)
		if err == nil {
			err = ps.EnsureSchema(ctx)
		}
		if err != nil {
			p.Close()
			return nil, nil, err
		}
		storage, pool = ps, p
	default:
		log.Warn("storage.memory", "note", "credentials are lost on exit")
		storage = credential.NewMemoryStorage()
	}

	if cfg.SealKeyHex != "" {
		sealed, err := credential.NewSealedStorage(storage, cfg.SealKeyHex)
		if err != nil {
			_ = storage.Close()
			if pool != nil {
				pool.Close()
			}
			return nil, nil, err
		}
		storage = sealed
	}

	log.Info("storage.open", "driver", cfg.Driver, "sealed", cfg.SealKeyHex != "")
	return storage, pool, nil
}
