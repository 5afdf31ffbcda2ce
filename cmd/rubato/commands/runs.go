package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/rubato-io/rubato/errors"
	"github.com/rubato-io/rubato/store"
)

// RunsCmd groups run inspection.
var RunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect execution history",
	Long: `Inspect runs, the per-attempt execution records.

Examples:
  rubato runs ls --endpoint ep_abc123
  rubato runs ls --endpoint ep_abc123 --limit 100`,
}

var runsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List an endpoint's runs, newest first",
	RunE:  runRunsLs,
}

var (
	runsEndpointFlag string
	runsLimitFlag    int
	runsOffsetFlag   int
)

func init() {
	runsLsCmd.Flags().StringVar(&runsEndpointFlag, "endpoint", "", "Endpoint ID (required)")
	runsLsCmd.Flags().IntVar(&runsLimitFlag, "limit", 20, "Maximum runs to show")
	runsLsCmd.Flags().IntVar(&runsOffsetFlag, "offset", 0, "Runs to skip")
	runsLsCmd.MarkFlagRequired("endpoint")
	RunsCmd.AddCommand(runsLsCmd)
}

func runRunsLs(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	runs, err := store.NewRunStore(database).ListByEndpoint(context.Background(), runsEndpointFlag, runsLimitFlag, runsOffsetFlag)
	if err != nil {
		return errors.Wrap(err, "failed to list runs")
	}
	if len(runs) == 0 {
		pterm.Info.Printfln("No runs for %s", runsEndpointFlag)
		return nil
	}

	data := pterm.TableData{{"ID", "STARTED", "STATUS", "CODE", "DURATION", "SOURCE", "ERROR"}}
	for _, r := range runs {
		data = append(data, []string{
			r.ID,
			r.StartedAt.UTC().Format(time.RFC3339),
			string(r.Status),
			intCell(r.StatusCode),
			durationCell(r.DurationMs),
			string(r.Source),
			errorCell(r.ErrorMessage),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func intCell(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v)
}

func durationCell(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return (time.Duration(*ms) * time.Millisecond).String()
}

func errorCell(msg *string) string {
	if msg == nil {
		return ""
	}
	if len(*msg) > 40 {
		return (*msg)[:37] + "..."
	}
	return *msg
}
