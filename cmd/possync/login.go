package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/CharlySistemas23/possync"
	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Obtain and store a session token",
	Long: `Log in to the server of record with --identity and --secret and store the
session token locally. Later commands and the daemon reuse the token.`,
	Example: `  possync login --identity cashier-3 --secret '...'`,
	Args:    cobra.NoArgs,
	RunE:    runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session token",
	Args:  cobra.NoArgs,
	RunE:  runLogout,
}

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

func runLogin(cmd *cobra.Command, _ []string) error {
	return withClient(cmd, func(cfg possync.Config, client *possync.Client) error {
		if cfg.IsOffline() {
			return fmt.Errorf("login: no server URL configured")
		}
		if cfg.Identity == "" || cfg.Secret == "" {
			return fmt.Errorf("login: --identity and --secret are required")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout)
		defer cancel()

		if err := client.Session().Login(ctx, cfg.Identity, cfg.Secret); err != nil {
			return err
		}

		if outputJSON {
			return outputAsJSON(cmd, map[string]string{"mode": string(client.Session().Mode())})
		}
		printSuccess(cmd.OutOrStdout(), "Logged in as %s", cfg.Identity)
		return nil
	})
}

func runLogout(cmd *cobra.Command, _ []string) error {
	return withClient(cmd, func(_ possync.Config, client *possync.Client) error {
		if err := client.Session().Logout(); err != nil && !errors.Is(err, possync.ErrNotFound) {
			return fmt.Errorf("logout: %w", err)
		}
		printSuccess(cmd.OutOrStdout(), "Session token removed")
		return nil
	})
}
