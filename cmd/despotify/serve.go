package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"despotify/internal/library"
	"despotify/internal/server"
	"despotify/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve engine sessions over HTTP",
	Long: `Start the HTTP server. Clients create sessions, log in, play links and
read each session's audio as a WAV stream. The library is watched for
changes when enabled in the configuration.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lib, err := openLibrary(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer lib.Close()

	if cfg.Library.WatchForChanges {
		watcher, err := library.NewWatcher(lib.scanner, cfg.Library.Path, logger)
		if err != nil {
			logger.WithError(err).Warn("Could not start file watcher")
		} else {
			go watcher.Run(ctx)
		}
	}

	registry := session.NewRegistry(lib.engine, cfg.Session.Workers, session.Options{
		HighBitrate: cfg.Session.HighBitrate,
		UseCache:    cfg.Session.UseCache,
		ChunkSize:   cfg.Session.ChunkSize,
		EventBuffer: cfg.Session.EventBuffer,
	}, time.Duration(cfg.Server.SessionTimeout)*time.Minute, logger)

	srv := server.NewServer(cfg, registry, lib.db, lib.scanner, logger)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	logger.Info("Received shutdown signal")
	return nil
}
