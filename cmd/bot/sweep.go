package main

import (
	"context"
	"fmt"
	"time"

	"tzbot/internal/app"

	"github.com/spf13/cobra"
)

func newSweepCmd() *cobra.Command {
	var settle time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation sweep now and print the report",
		Long: "Starts the bot as configured (the config must have fleet.role coordinator),\n" +
			"waits --settle for gateway state, runs one sweep and exits.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(cfgPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = a.Stop(stopCtx, app.StopAppStop)
			}()
			if err := a.Start(ctx); err != nil {
				return err
			}

			if settle > 0 {
				select {
				case <-time.After(settle):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			rep, err := a.Sweep(ctx)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), rep)
		},
	}
	cmd.Flags().DurationVar(&settle, "settle", 5*time.Second, "time to wait for guild state before sweeping")
	return cmd
}
