package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Rescan the music library and update the catalogue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// The scan below is the only one wanted.
		cfg.Library.ScanOnStartup = false
		lib, err := openLibrary(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer lib.Close()

		result, err := lib.scan(ctx, cfg, logger)
		if err != nil {
			return err
		}
		total, err := lib.db.Count()
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "added %d, unchanged %d, removed %d, failed %d (%d tracks)\n",
			result.Added, result.Unchanged, result.Removed, result.Failed, total)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)
}
