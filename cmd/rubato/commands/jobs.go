package commands

import (
	"context"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/rubato-io/rubato/errors"
	"github.com/rubato-io/rubato/store"
)

// JobsCmd groups job management.
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage job groups",
	Long: `Manage jobs, the grouping unit for scheduled endpoints.

Examples:
  rubato jobs ls --user usr_abc123
  rubato jobs create --user usr_abc123 --name "Order sync"
  rubato jobs archive job_def456`,
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List a user's jobs",
	RunE:  runJobsLs,
}

var jobsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a job",
	RunE:  runJobsCreate,
}

var jobsArchiveCmd = &cobra.Command{
	Use:   "archive <job-id>",
	Short: "Archive a job and all its endpoints",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsArchive,
}

var (
	jobsUserFlag        string
	jobsNameFlag        string
	jobsDescriptionFlag string
)

func init() {
	jobsLsCmd.Flags().StringVar(&jobsUserFlag, "user", "", "Owner user ID (required)")
	jobsLsCmd.MarkFlagRequired("user")

	jobsCreateCmd.Flags().StringVar(&jobsUserFlag, "user", "", "Owner user ID (required)")
	jobsCreateCmd.Flags().StringVar(&jobsNameFlag, "name", "", "Job name (required)")
	jobsCreateCmd.Flags().StringVar(&jobsDescriptionFlag, "description", "", "Job description")
	jobsCreateCmd.MarkFlagRequired("user")
	jobsCreateCmd.MarkFlagRequired("name")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsCreateCmd)
	JobsCmd.AddCommand(jobsArchiveCmd)
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	jobs, err := store.NewJobStore(database).ListByUser(context.Background(), jobsUserFlag)
	if err != nil {
		return errors.Wrap(err, "failed to list jobs")
	}
	if len(jobs) == 0 {
		pterm.Info.Printfln("No jobs for %s", jobsUserFlag)
		return nil
	}

	data := pterm.TableData{{"ID", "NAME", "STATUS", "CREATED"}}
	for _, j := range jobs {
		data = append(data, []string{j.ID, j.Name, string(j.Status), j.CreatedAt.UTC().Format(time.RFC3339)})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runJobsCreate(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	job := &store.Job{
		UserID:      jobsUserFlag,
		Name:        jobsNameFlag,
		Description: jobsDescriptionFlag,
	}
	if err := store.NewJobStore(database).Create(context.Background(), job); err != nil {
		return errors.Wrap(err, "failed to create job")
	}

	pterm.Success.Printfln("Created job %s", job.ID)
	return nil
}

func runJobsArchive(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	jobID := args[0]
	if err := store.NewJobStore(database).Archive(context.Background(), jobID, time.Now().UTC()); err != nil {
		return errors.Wrapf(err, "failed to archive job %s", jobID)
	}

	pterm.Success.Printfln("Archived %s and its endpoints", jobID)
	return nil
}
