// Package main implements the taskd CLI: autonomous execution of
// task-list documents.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// configPath overrides the default config file location.
	configPath string
	// stateDir overrides the configured state directory.
	stateDir string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "taskd",
	Short: "Autonomous task-list execution",
	Long: `taskd executes a markdown task-list document autonomously: tasks are
scheduled in document order on a bounded worker pool, each one runs
through an adaptive reflection loop, and completion markers in the
document advance as work finishes. Sessions survive restarts through
their persisted records.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/taskd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "state directory (default ~/.local/share/taskd)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
}
