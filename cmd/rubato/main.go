package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rubato-io/rubato/cmd/rubato/commands"
	"github.com/rubato-io/rubato/logger"
)

var rootCmd = &cobra.Command{
	Use:   "rubato",
	Short: "rubato - adaptive HTTP job scheduler",
	Long: `rubato - adaptive scheduling for HTTP jobs.

rubato dispatches HTTP requests on baseline schedules (intervals or cron),
backs off failing endpoints, and lets an AI planner tighten or relax
cadence based on observed responses.

Available commands:
  serve     - Run scheduler, planner, and management API in one process
  db        - Database operations (migrate, stats)
  users     - Manage users
  tokens    - Mint API bearer tokens
  jobs      - Manage job groups
  endpoints - Manage scheduled endpoints
  runs      - Inspect execution history
  config    - Show or change configuration
  version   - Show version information

Examples:
  rubato serve                  # Start the full process
  rubato serve --no-planner     # Scheduler + API without the AI planner
  rubato db stats               # Row counts per table
  rubato endpoints ls --job job_abc123
  rubato config set scheduler.workers 20`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize the global logger before any command runs. `config show`
		// prints raw TOML and stays quiet.
		if cmd.Name() == "show" {
			return nil
		}
		jsonOutput, _ := cmd.Flags().GetBool("json")
		verbosity, _ := cmd.Flags().GetCount("verbose")
		if err := logger.Initialize(jsonOutput, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("json", false, "Log in JSON for machine consumption")
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "Read configuration from this file only")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.UsersCmd)
	rootCmd.AddCommand(commands.TokensCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.EndpointsCmd)
	rootCmd.AddCommand(commands.RunsCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
