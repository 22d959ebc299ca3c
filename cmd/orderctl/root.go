// Package main implements orderctl, the CLI for the local pre-order store
// and its background sync with syncd.
package main

import (
	"fmt"
	"os"

	"github.com/marcus/ordersync/internal/config"
	"github.com/marcus/ordersync/internal/store"
	"github.com/spf13/cobra"
)

var versionStr = "dev"

// SetVersion sets the version string reported by --version.
func SetVersion(v string) {
	versionStr = v
	rootCmd.Version = v
}

var rootCmd = &cobra.Command{
	Use:   "orderctl",
	Short: "Manage pre-orders in the local store and sync them with syncd",
	Long: `orderctl is the CLI front end for the offline-first pre-order store.

Every command operates against the embedded local database first; sync
with syncd is driven separately by "orderctl sync" and "orderctl autosync".`,
}

func init() {
	rootCmd.AddCommand(orderCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(autosyncCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openStore opens the embedded local store at the configured data directory.
func openStore() (*store.DB, error) {
	dir := config.GetDataDir()
	db, err := store.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("open local store at %s: %w", dir, err)
	}
	return db, nil
}
