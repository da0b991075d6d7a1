package main

import (
	"context"
	"encoding/json"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"hms/cmd/internal/app"
	"hms/cmd/internal/realtime"

	"github.com/spf13/cobra"
)

// watchLine is one JSON line printed per realtime event.
type watchLine struct {
	At           time.Time       `json:"at"`
	Event        string          `json:"event"`
	ConnectionID string          `json:"connectionId,omitempty"`
	Version      uint64          `json:"credentialVersion,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Err          string          `json:"err,omitempty"`
}

func newWatchCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Restore the session and print realtime events as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			a, err := app.Open(ctx, configPath(cmd))
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			lines := make(chan watchLine, 64)
			off := a.Channel.On(realtime.EventAny, func(ev realtime.Event) {
				l := watchLine{At: time.Now().UTC(), Event: ev.Name, ConnectionID: ev.ConnectionID, Version: ev.Version}
				if ev.Envelope != nil {
					l.Payload = ev.Envelope.Payload
				}
				if ev.Err != nil {
					l.Err = ev.Err.Error()
				}
				select {
				case lines <- l:
				default:
				}
			})
			defer off()

			ok, err := a.Session.Restore(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("not logged in")
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for {
				select {
				case <-ctx.Done():
					return nil
				case l := <-lines:
					if err := enc.Encode(l); err != nil {
						return err
					}
				}
			}
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "stop after this long (0 waits for a signal)")
	return cmd
}
