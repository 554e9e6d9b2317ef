// Package main is the actisync command: an HTTP server around the offline-first
// sync core plus one-shot commands that operate on the same local store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kimhsiao/actisync/internal/config"
)

// Version is set at build time
var Version = "0.1.0"

// newRootCmd builds the command tree. Each call returns fresh flag state.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "actisync",
		Short: "Offline-first activity records with write-through sync",
		Long: `actisync keeps activity records in a local SQLite store and mirrors every
change to a remote document store. Changes made while offline are queued
durably and replayed in order once connectivity returns.

Settings come from defaults, <data-dir>/actisync.yaml (or --config), a .env
file, ACTISYNC_* environment variables and flags, in increasing precedence.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "config file (default <data-dir>/actisync.yaml)")
	pf.String("data-dir", "", "directory holding the local store")
	pf.String("log-level", "", "DEBUG, INFO, WARN or ERROR")
	pf.String("remote-kind", "", "remote backend: memory, http, postgres or redis")
	pf.String("remote-url", "", "remote backend URL or address")

	root.AddGroup(
		&cobra.Group{ID: "records", Title: "Records:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
	)
	root.AddCommand(
		newServeCmd(),
		newRecordCmd(),
		newStatsCmd(),
		newSyncCmd(),
		newReconcileCmd(),
		newRetryCmd(),
		newResetCmd(),
		newRemoteCmd(),
	)
	return root
}

// loadConfig resolves the configuration for cmd, with flags the user set
// taking precedence over everything else.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	root := cmd.Root().PersistentFlags()
	configFile, _ := root.GetString("config")

	candidates := map[string]*pflag.Flag{
		"data_dir":    root.Lookup("data-dir"),
		"log.level":   root.Lookup("log-level"),
		"remote.kind": root.Lookup("remote-kind"),
		"remote.url":  root.Lookup("remote-url"),
		"listen_addr": cmd.Flags().Lookup("listen"),
	}
	flags := make(map[string]*pflag.Flag, len(candidates))
	for key, f := range candidates {
		if f != nil && f.Changed {
			flags[key] = f
		}
	}
	return config.Load(config.Options{ConfigFile: configFile, Flags: flags})
}

// openApp loads the configuration and wires an App for a one-shot command.
func openApp(cmd *cobra.Command) (*App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return newApp(cmd.Context(), cfg, appOptions{})
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
