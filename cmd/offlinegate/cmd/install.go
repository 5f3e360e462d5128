package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"offlinegate/internal/origin"
	"offlinegate/internal/server"
	"offlinegate/internal/worker"
)

var installTimeout time.Duration

var InstallCmd = &cobra.Command{
	Use:   "install",
	Short: "install the current cache version into the configured storage and exit",
	Long: "Deletes caches of superseded versions, then prefetches every configured route " +
		"into the current cache. Useful to pre-warm a sqlite store before serving.",
	RunE: runInstallCommand,
}

func init() {
	InstallCmd.Flags().DurationVar(&installTimeout, "timeout", time.Minute, "overall install timeout")
}

func runInstallCommand(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	storage, err := server.OpenStorage(cfg, logger)
	if err != nil {
		return err
	}
	defer storage.Close()

	client, err := origin.NewClientFromConfig(cfg.Origin, logger)
	if err != nil {
		return err
	}

	w, err := worker.New(worker.Config{
		CacheName:     cfg.Cache.Name,
		StalePatterns: cfg.Cache.StalePatterns,
		Routes:        cfg.Cache.Routes,
		FallbackRoute: cfg.Cache.FallbackRoute,
		Storage:       storage,
		Network:       client,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), installTimeout)
	defer cancel()

	if err := w.Install(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "installed %s (%d routes)\n", cfg.Cache.Name, len(cfg.Cache.Routes))
	return nil
}
