package cmd

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "motion-demo",
	Short: "Run a motion component against Redis",
	Long: `motion-demo wires a small stateful "counter" component through the
motion library: a serve route reads state plus a request prop, an
update route commits the same sum back to state asynchronously.

Examples:
  # Serve the counter component, update routes run as goroutines
  motion-demo serve-counter

  # Same, but update routes run as re-exec'd subprocesses
  motion-demo serve-counter --process-updates
`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.AddCommand(serveCounterCmd)
	rootCmd.AddCommand(workerCmd)
}
