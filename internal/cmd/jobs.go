package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/snapvault/internal/observability"
	"github.com/3leaps/snapvault/pkg/jobstate"
	"github.com/3leaps/snapvault/pkg/verify"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect persisted job state",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List job state records",
	Long: `List the persisted state of every job of a type.

Records that claim to be running but whose owning process is gone are shown
as stale.`,
	RunE: runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-name>",
	Short: "Show the state of one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)

	jobsCmd.PersistentFlags().String("type", verify.JobType, "Job type")
	jobsCmd.PersistentFlags().Bool("json", false, "Output as JSON")
}

func openStateStore(cmd *cobra.Command) (*app, error) {
	cfg, err := loadedConfig()
	if err != nil {
		return nil, err
	}
	return newApp(cmd.Context(), cfg, observability.CLILogger, appOptions{skipStores: true, skipNotify: true})
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jobType, _ := cmd.Flags().GetString("type")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	a, err := openStateStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	records, err := a.states.List(cmd.Context(), jobType)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if jsonOutput {
		if records == nil {
			records = []jobstate.Record{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	if len(records) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "JOB\tSTATE\tSTARTED\tENDED\tRESULT\tTASK")
	for _, r := range records {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.JobName,
			stateLabel(r),
			formatOptionalTime(r.StartedAt),
			formatOptionalTime(r.EndedAt),
			resultLabel(r.Result),
			orDash(r.TaskID),
		)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jobType, _ := cmd.Flags().GetString("type")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	name := strings.TrimSpace(args[0])

	id := jobstate.ID{Type: jobType, Name: name}
	if err := id.Validate(); err != nil {
		return &errExit{code: ExitUsage, msg: err.Error()}
	}

	a, err := openStateStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	rec, err := a.states.Get(cmd.Context(), id)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	_, _ = fmt.Fprintf(out, "Job:      %s\n", id)
	_, _ = fmt.Fprintf(out, "State:    %s\n", stateLabel(*rec))
	_, _ = fmt.Fprintf(out, "Task:     %s\n", orDash(rec.TaskID))
	if rec.PID > 0 {
		_, _ = fmt.Fprintf(out, "PID:      %d\n", rec.PID)
	}
	_, _ = fmt.Fprintf(out, "Started:  %s\n", formatOptionalTime(rec.StartedAt))
	_, _ = fmt.Fprintf(out, "Ended:    %s\n", formatOptionalTime(rec.EndedAt))
	_, _ = fmt.Fprintf(out, "Result:   %s\n", resultLabel(rec.Result))
	return nil
}

func stateLabel(r jobstate.Record) string {
	if r.Stale {
		return string(r.State) + " (stale)"
	}
	return string(r.State)
}

func resultLabel(r *jobstate.Result) string {
	if r == nil {
		return "-"
	}
	if r.Message == "" {
		return string(r.Status)
	}
	return string(r.Status) + ": " + r.Message
}

func formatOptionalTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
