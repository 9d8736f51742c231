package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/segpulse/am"
	"github.com/teranos/segpulse/cmd/segpulse/commands"
	"github.com/teranos/segpulse/logger"
)

var rootCmd = &cobra.Command{
	Use:   "segpulse",
	Short: "segpulse - segmentation and export job engine",
	Long: `segpulse - async segmentation and export jobs with cancellation and live notifications.

Available commands:
  server  - Serve the HTTP API and WebSocket hub, run the worker pool
  jobs    - Inspect and cancel jobs in the local database
  am      - Show and validate configuration
  db      - Database maintenance

Examples:
  segpulse server                 # Start the server
  segpulse jobs ls --project p1   # List a project's jobs
  segpulse jobs cancel <id>       # Cancel a job as its owner
  segpulse am show --format yaml  # Show configuration`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			am.SetConfigPath(path)
		}

		// `am show` prints config to stdout; keep it clean
		if cmd.Name() == "show" {
			return nil
		}
		jsonLogs, _ := cmd.Flags().GetBool("log-json")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		logger.SetVerbosity(verbosity)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().String("config", "", "Config file (default: segpulse.toml searched upward)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit structured JSON logs")
	rootCmd.PersistentFlags().Bool("json", false, "Print command output as JSON")

	rootCmd.AddCommand(commands.ServerCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	err := rootCmd.Execute()
	logger.Cleanup()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
