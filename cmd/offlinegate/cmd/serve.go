package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"offlinegate/internal/server"
)

var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the gateway and admin listeners until interrupted",
	RunE:  runServeCommand,
}

func runServeCommand(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	logger.Info().
		Str("config", ConfigPath).
		Str("addr", cfg.ProxyAddr()).
		Str("admin", cfg.AdminAddr()).
		Str("origin", cfg.Origin.URL).
		Str("cache", cfg.Cache.Name).
		Int("routes", len(cfg.Cache.Routes)).
		Msg("starting offlinegate")

	srv, err := server.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info().Msg("received shutdown signal")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
		os.Exit(1)
	}
	return nil
}
