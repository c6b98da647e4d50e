package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// EnvConfig carries the config file path into spawned worker processes,
// which inherit the master's environment.
const EnvConfig = "VELDT_CONFIG"

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "veldt",
	Short: "Veldt - capability-gated template execution engine",
	Long: `Veldt runs untrusted tenant-authored automation templates in
sandboxed worker processes. A single master owns the worker pool, the
attachment store, and the management API; workers execute scripts under
per-dispatch capability grants and hard resource ceilings.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Veldt version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(masterCmd)
	rootCmd.AddCommand(workerCmd)
}
