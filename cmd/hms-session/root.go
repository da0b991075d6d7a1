package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"hms/cmd/internal/app"
	"hms/cmd/internal/auth/session"

	"github.com/spf13/cobra"
)

const commandTimeout = 30 * time.Second

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hms-session",
		Short: "Hospital management session agent",
		Long: `hms-session keeps an authenticated session against the hospital management API.

Examples:
	hms-session login --email doctor@example.com --password ...
	hms-session run --config hms.yaml
	hms-session get /patients
	hms-session watch --timeout 1m
	hms-session status
	hms-session logout
`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("config", "", "YAML config file (HMS_* environment variables override it)")

	rootCmd.AddCommand(
		newRunCmd(),
		newLoginCmd(),
		newLogoutCmd(),
		newStatusCmd(),
		newGetCmd(),
		newWatchCmd(),
	)
	return rootCmd
}

func configPath(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString("config")
	return p
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Restore the session and keep it alive until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.Run(configPath(cmd))
		},
	}
}

func newLoginCmd() *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and persist the credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if password == "" {
				password = os.Getenv("HMS_LOGIN_PASSWORD")
			}
			if strings.TrimSpace(email) == "" || password == "" {
				return errors.New("--email and --password (or HMS_LOGIN_PASSWORD) are required")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			a, err := app.Open(ctx, configPath(cmd))
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if err := a.Session.Login(ctx, email, password, session.WithoutChannel()); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), a.Session.Snapshot())
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the persisted credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			a, err := app.Open(ctx, configPath(cmd))
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if err := a.Session.Logout(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the persisted session without tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			a, err := app.Open(ctx, configPath(cmd))
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			st, err := a.Stored(ctx)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), st)
		},
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <path>",
		Short: "Issue an authenticated GET through the gateway and print the body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			a, err := app.Open(ctx, configPath(cmd))
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			ok, err := a.Session.Restore(ctx, session.WithoutChannel())
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("not logged in")
			}

			req, err := a.Gateway.NewRequest(ctx, http.MethodGet, args[0], nil)
			if err != nil {
				return err
			}
			resp, err := a.Gateway.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			fmt.Fprintln(cmd.ErrOrStderr(), resp.Status)
			if _, err := io.Copy(cmd.OutOrStdout(), resp.Body); err != nil {
				return err
			}
			if resp.StatusCode >= http.StatusBadRequest {
				return fmt.Errorf("request failed: %s", resp.Status)
			}
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
