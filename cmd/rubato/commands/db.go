package commands

import (
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/rubato-io/rubato/db"
	"github.com/rubato-io/rubato/errors"
)

// DbCmd groups database operations.
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database operations",
	Long: `Manage the rubato database.

Examples:
  rubato db migrate               # Apply pending migrations
  rubato db stats                 # Row counts per table`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Long:  "Open the configured database and apply any schema migrations it is missing. Safe to run repeatedly.",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	Long:  "Display row counts for the operational tables.",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	// openDatabase migrates as a side effect of opening.
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	pterm.Success.Println("Database is up to date")
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	stats, err := db.GetStats(database)
	if err != nil {
		return errors.Wrap(err, "failed to read database statistics")
	}

	pterm.Info.Printfln("Database: %s", cfg.Database.Path)
	return pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"TABLE", "ROWS"},
		{"users", strconv.Itoa(stats.Users)},
		{"jobs", strconv.Itoa(stats.Jobs)},
		{"endpoints", strconv.Itoa(stats.Endpoints)},
		{"runs", strconv.Itoa(stats.Runs)},
		{"ai_sessions", strconv.Itoa(stats.AISessions)},
	}).Render()
}
