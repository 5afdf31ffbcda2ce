package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/rubato-io/rubato/errors"
	"github.com/rubato-io/rubato/governor"
	"github.com/rubato-io/rubato/store"
)

// EndpointsCmd groups endpoint management.
var EndpointsCmd = &cobra.Command{
	Use:   "endpoints",
	Short: "Manage scheduled endpoints",
	Long: `Manage the HTTP endpoints rubato schedules.

Examples:
  rubato endpoints ls --job job_abc123
  rubato endpoints add --job job_abc123 --name "health" --url https://api.example.com/health --interval 5m
  rubato endpoints add --job job_abc123 --name "report" --url https://api.example.com/report --cron "0 9 * * *"
  rubato endpoints pause ep_def456 --for 2h
  rubato endpoints resume ep_def456`,
}

var endpointsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List a job's endpoints",
	RunE:  runEndpointsLs,
}

var endpointsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add an endpoint to a job",
	Long: `Add a scheduled endpoint. Exactly one of --interval and --cron
sets the baseline schedule.`,
	RunE: runEndpointsAdd,
}

var endpointsPauseCmd = &cobra.Command{
	Use:   "pause <endpoint-id>",
	Short: "Pause an endpoint",
	Long:  "Suspend scheduling for an endpoint. Without --for the pause holds until resume.",
	Args:  cobra.ExactArgs(1),
	RunE:  runEndpointsPause,
}

var endpointsResumeCmd = &cobra.Command{
	Use:   "resume <endpoint-id>",
	Short: "Resume a paused endpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runEndpointsResume,
}

var (
	endpointsJobFlag         string
	endpointsNameFlag        string
	endpointsDescriptionFlag string
	endpointsURLFlag         string
	endpointsMethodFlag      string
	endpointsHeaderFlags     []string
	endpointsBodyFlag        string
	endpointsIntervalFlag    time.Duration
	endpointsCronFlag        string
	endpointsMinFlag         time.Duration
	endpointsMaxFlag         time.Duration
	endpointsTimeoutFlag     time.Duration
	endpointsPauseForFlag    time.Duration
)

func init() {
	endpointsLsCmd.Flags().StringVar(&endpointsJobFlag, "job", "", "Job ID (required)")
	endpointsLsCmd.MarkFlagRequired("job")

	endpointsAddCmd.Flags().StringVar(&endpointsJobFlag, "job", "", "Job ID (required)")
	endpointsAddCmd.Flags().StringVar(&endpointsNameFlag, "name", "", "Endpoint name (required)")
	endpointsAddCmd.Flags().StringVar(&endpointsDescriptionFlag, "description", "", "Endpoint description")
	endpointsAddCmd.Flags().StringVar(&endpointsURLFlag, "url", "", "Target URL (required)")
	endpointsAddCmd.Flags().StringVar(&endpointsMethodFlag, "method", "GET", "HTTP method")
	endpointsAddCmd.Flags().StringArrayVar(&endpointsHeaderFlags, "header", nil, `Request header as "Name: Value" (repeatable)`)
	endpointsAddCmd.Flags().StringVar(&endpointsBodyFlag, "body", "", "Request body")
	endpointsAddCmd.Flags().DurationVar(&endpointsIntervalFlag, "interval", 0, "Baseline interval (e.g. 5m, 1h30m)")
	endpointsAddCmd.Flags().StringVar(&endpointsCronFlag, "cron", "", `Baseline cron expression (e.g. "0 9 * * *")`)
	endpointsAddCmd.Flags().DurationVar(&endpointsMinFlag, "min-interval", 0, "Lower bound for adaptive scheduling")
	endpointsAddCmd.Flags().DurationVar(&endpointsMaxFlag, "max-interval", 0, "Upper bound for adaptive scheduling")
	endpointsAddCmd.Flags().DurationVar(&endpointsTimeoutFlag, "timeout", 0, "Per-request timeout")
	endpointsAddCmd.MarkFlagRequired("job")
	endpointsAddCmd.MarkFlagRequired("name")
	endpointsAddCmd.MarkFlagRequired("url")

	endpointsPauseCmd.Flags().DurationVar(&endpointsPauseForFlag, "for", 0, "Pause duration (default: until resume)")

	EndpointsCmd.AddCommand(endpointsLsCmd)
	EndpointsCmd.AddCommand(endpointsAddCmd)
	EndpointsCmd.AddCommand(endpointsPauseCmd)
	EndpointsCmd.AddCommand(endpointsResumeCmd)
}

func runEndpointsLs(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	eps, err := store.NewEndpointStore(database).ListByJob(context.Background(), endpointsJobFlag)
	if err != nil {
		return errors.Wrap(err, "failed to list endpoints")
	}
	if len(eps) == 0 {
		pterm.Info.Printfln("No endpoints in %s", endpointsJobFlag)
		return nil
	}

	now := time.Now().UTC()
	data := pterm.TableData{{"ID", "NAME", "SCHEDULE", "NEXT RUN", "FAILURES", "STATE"}}
	for _, ep := range eps {
		data = append(data, []string{
			ep.ID,
			ep.Name,
			scheduleLabel(ep),
			ep.NextRunAt.UTC().Format(time.RFC3339),
			fmt.Sprintf("%d", ep.FailureCount),
			endpointState(ep, now),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runEndpointsAdd(cmd *cobra.Command, args []string) error {
	headers, err := parseHeaders(endpointsHeaderFlags)
	if err != nil {
		return err
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	stores := store.NewStores(database)
	ctx := context.Background()

	job, err := stores.Jobs.Get(ctx, endpointsJobFlag)
	if err != nil {
		return errors.Wrapf(err, "failed to look up job %s", endpointsJobFlag)
	}

	ep := &store.Endpoint{
		JobID:       job.ID,
		TenantID:    job.UserID,
		Name:        endpointsNameFlag,
		Description: endpointsDescriptionFlag,
		URL:         endpointsURLFlag,
		Method:      strings.ToUpper(endpointsMethodFlag),
		Headers:     headers,
	}
	if endpointsBodyFlag != "" {
		ep.Body = &endpointsBodyFlag
	}
	if endpointsIntervalFlag > 0 {
		ms := endpointsIntervalFlag.Milliseconds()
		ep.BaselineIntervalMs = &ms
	}
	if endpointsCronFlag != "" {
		ep.BaselineCron = &endpointsCronFlag
	}
	if endpointsMinFlag > 0 {
		ms := endpointsMinFlag.Milliseconds()
		ep.MinIntervalMs = &ms
	}
	if endpointsMaxFlag > 0 {
		ms := endpointsMaxFlag.Milliseconds()
		ep.MaxIntervalMs = &ms
	}
	if endpointsTimeoutFlag > 0 {
		ms := endpointsTimeoutFlag.Milliseconds()
		ep.TimeoutMs = &ms
	}

	if err := stores.Endpoints.Create(ctx, ep); err != nil {
		return errors.Wrap(err, "failed to create endpoint")
	}

	pterm.Success.Printfln("Created endpoint %s (first run %s)", ep.ID, ep.NextRunAt.UTC().Format(time.RFC3339))
	return nil
}

func runEndpointsPause(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	endpointID := args[0]
	until := store.PauseIndefinite
	if endpointsPauseForFlag > 0 {
		until = time.Now().UTC().Add(endpointsPauseForFlag)
	}

	if err := store.NewEndpointStore(database).SetPausedUntil(context.Background(), endpointID, &until); err != nil {
		return errors.Wrapf(err, "failed to pause endpoint %s", endpointID)
	}

	if until.Equal(store.PauseIndefinite) {
		pterm.Success.Printfln("Paused %s until resumed", endpointID)
	} else {
		pterm.Success.Printfln("Paused %s until %s", endpointID, until.Format(time.RFC3339))
	}
	return nil
}

func runEndpointsResume(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	endpoints := store.NewEndpointStore(database)
	ctx := context.Background()
	endpointID := args[0]

	if err := endpoints.SetPausedUntil(ctx, endpointID, nil); err != nil {
		return errors.Wrapf(err, "failed to resume endpoint %s", endpointID)
	}
	// A governor decision during the pause may have parked next_run_at at
	// the pause horizon; pull it back so the endpoint runs promptly.
	if err := endpoints.SetNextRunAtIfEarlier(ctx, endpointID, time.Now().UTC().Add(governor.SafetyMargin)); err != nil {
		return errors.Wrapf(err, "failed to reschedule endpoint %s", endpointID)
	}

	pterm.Success.Printfln("Resumed %s", endpointID)
	return nil
}

func scheduleLabel(ep *store.Endpoint) string {
	if ep.BaselineCron != nil {
		return "cron " + *ep.BaselineCron
	}
	if ep.BaselineIntervalMs != nil {
		return "every " + (time.Duration(*ep.BaselineIntervalMs) * time.Millisecond).String()
	}
	return "-"
}

func endpointState(ep *store.Endpoint, now time.Time) string {
	switch {
	case ep.ArchivedAt != nil:
		return "archived"
	case ep.PausedUntil != nil && ep.PausedUntil.After(now):
		return "paused"
	case ep.HasActiveHint(now):
		return "ai-tuned"
	default:
		return "active"
	}
}

func parseHeaders(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return nil, errors.Newf("invalid header %q, expected \"Name: Value\"", h)
		}
		headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return headers, nil
}
