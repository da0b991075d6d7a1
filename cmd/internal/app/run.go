package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Run is the long-running entrypoint used by `hms-session run`.
// It returns an error instead of calling os.Exit to keep defers effective.
func Run(configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	log := NewLogger(cfg.Log.Level, cfg.Log.Format)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	return a.Run(ctx)
}

// Open builds an App for one-shot commands. Logs go to stderr so stdout stays machine-readable.
func Open(ctx context.Context, configPath string) (*App, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	log := newLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format, isTerminal(os.Stderr))
	return New(ctx, cfg, log)
}
