package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/ghodss/yaml"
	"github.com/rodaine/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"offlinegate/internal/cache"
	"offlinegate/internal/config"
	"offlinegate/internal/server"
	"offlinegate/internal/worker"
)

var (
	printOption string
	purgeAll    bool

	CachesCmd = &cobra.Command{
		Use:   "caches",
		Short: "inspect and clean the cache storage",
	}

	listCachesCmd = &cobra.Command{
		Use:   "list",
		Short: "list named caches with entry counts and sizes",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			switch printOption {
			case "", "json", "yaml":
				return nil
			default:
				return fmt.Errorf("output format %q not supported, allowed formats are: json, yaml", printOption)
			}
		},
		RunE: runListCachesCommand,
	}

	deleteCachesCmd = &cobra.Command{
		Use:   "delete NAME...",
		Short: "delete the named caches",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runDeleteCachesCommand,
	}

	purgeCachesCmd = &cobra.Command{
		Use:   "purge",
		Short: "delete every cache of a superseded version (or every cache with --all)",
		RunE:  runPurgeCachesCommand,
	}
)

type outputCache struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Bytes   int64  `json:"bytes"`
	Current bool   `json:"current"`
}

func init() {
	listCachesCmd.Flags().StringVarP(&printOption, "output", "o", "", "Output format. One of: json|yaml. (Optional) defaults to a table")
	purgeCachesCmd.Flags().BoolVar(&purgeAll, "all", false, "delete every cache, including the current one")

	CachesCmd.AddCommand(listCachesCmd)
	CachesCmd.AddCommand(deleteCachesCmd)
	CachesCmd.AddCommand(purgeCachesCmd)
}

func openStorage() (*config.Config, cache.Storage, zerolog.Logger, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, nil, logger, err
	}
	if cfg.Cache.Store != config.StoreSQLite {
		logger.Warn().Msg("memory storage is empty outside a running gateway; set cache.store to sqlite")
	}
	storage, err := server.OpenStorage(cfg, zerolog.Nop())
	if err != nil {
		return nil, nil, logger, err
	}
	return cfg, storage, logger, nil
}

func runListCachesCommand(cmd *cobra.Command, args []string) error {
	cfg, storage, _, err := openStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	stats, err := cache.Describe(context.Background(), storage)
	if err != nil {
		return err
	}

	caches := make([]outputCache, 0, len(stats))
	for _, st := range stats {
		caches = append(caches, outputCache{
			Name:    st.Name,
			Entries: st.Entries,
			Bytes:   st.Bytes,
			Current: st.Name == cfg.Cache.Name,
		})
	}
	return printCaches(cmd.OutOrStdout(), caches)
}

func printCaches(stdout io.Writer, caches []outputCache) error {
	var (
		data []byte
		err  error
	)

	switch printOption {
	case "yaml":
		data, err = yaml.Marshal(caches)
	case "json":
		data, err = json.MarshalIndent(caches, "", "    ")
	case "":
		tbl := table.New("NAME", "ENTRIES", "SIZE", "CURRENT").WithWriter(stdout)
		for _, c := range caches {
			current := ""
			if c.Current {
				current = "*"
			}
			tbl.AddRow(c.Name, c.Entries, humanize.Bytes(uint64(c.Bytes)), current)
		}
		tbl.Print()
		return nil
	}
	if err != nil {
		return err
	}

	_, err = stdout.Write(append(data, '\n'))
	return err
}

func runDeleteCachesCommand(cmd *cobra.Command, args []string) error {
	_, storage, logger, err := openStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	ctx := context.Background()
	for _, name := range args {
		deleted, err := storage.Delete(ctx, name)
		if err != nil {
			return err
		}
		if !deleted {
			logger.Warn().Str("cache", name).Msg("no such cache")
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", name)
	}
	return nil
}

func runPurgeCachesCommand(cmd *cobra.Command, args []string) error {
	cfg, storage, _, err := openStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	matcher, err := worker.NewStaleMatcher(cfg.Cache.Name, cfg.Cache.StalePatterns)
	if err != nil {
		return err
	}

	ctx := context.Background()
	names, err := storage.Keys(ctx)
	if err != nil {
		return err
	}
	purged := 0
	for _, name := range names {
		if !purgeAll && !matcher.IsStale(name) {
			continue
		}
		if _, err := storage.Delete(ctx, name); err != nil {
			return err
		}
		purged++
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", name)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d cache(s) purged\n", purged)
	return nil
}
