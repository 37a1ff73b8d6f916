package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func sweepCmd(configPath *string) *cobra.Command {
	var relay bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one pass over due submission jobs and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			sys, err := build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer sys.Close()

			stats, err := sys.scheduler.Sweep(ctx)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "claimed=%d completed=%d retried=%d failed=%d\n",
				stats.Claimed, stats.Completed, stats.Retried, stats.Failed)

			if relay {
				n, err := sys.relay.Dispatch(ctx)
				if err != nil {
					return fmt.Errorf("dispatch outbox: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "dispatched=%d\n", n)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&relay, "relay", true, "also dispatch one batch of pending outbox events")
	return cmd
}
