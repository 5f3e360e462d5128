package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"offlinegate/cmd/offlinegate/cmd"
)

var rootCmd = &cobra.Command{
	Use:           "offlinegate [command]",
	Short:         "Cache-first offline gateway for the to-do web application",
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cmd.ConfigPath, "config", "config.json", "path to config file (.json, .toml or .yaml)")

	rootCmd.AddCommand(cmd.ServeCmd)
	rootCmd.AddCommand(cmd.InstallCmd)
	rootCmd.AddCommand(cmd.CachesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error! %s\n", err)
		os.Exit(1)
	}
}
