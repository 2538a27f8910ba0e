package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/CharlySistemas23/possync"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the queue once",
	Long: `Run one drain pass: apply every pending mutation to the server of record
in the order it was made, then print the pass report.`,
	Example: `  possync sync --server-url https://pos.example.com
  possync sync --json`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, _ []string) error {
	return withClient(cmd, func(cfg possync.Config, client *possync.Client) error {
		if cfg.IsOffline() {
			return fmt.Errorf("sync: no server URL configured (set --server-url or POSSYNC_SERVER_URL)")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout(cfg))
		defer cancel()

		report, err := client.Drain(ctx)
		switch {
		case errors.Is(err, possync.ErrCoolingDown):
			printWarning(cmd.ErrOrStderr(), "Rate limit cooldown active until %s", client.Engine().CooldownUntil().Local().Format("15:04:05"))
			return nil
		case err != nil:
			return fmt.Errorf("sync: %w", err)
		}
		return outputReport(cmd, report)
	})
}
