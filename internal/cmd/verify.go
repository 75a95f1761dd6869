package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/snapvault/internal/observability"
	"github.com/3leaps/snapvault/pkg/schedule"
	"github.com/3leaps/snapvault/pkg/task"
	"github.com/3leaps/snapvault/pkg/verify"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Run and inspect verification jobs",
}

var verifyRunCmd = &cobra.Command{
	Use:   "run <job-id>",
	Short: "Run a verification job",
	Long: `Run a verification job.

By default the job runs in this process and its task log is streamed to
stdout; the command exits non-zero if any snapshot failed. Interrupting the
command requests an abort of the task.

With --server the run is submitted to a running 'snapvault serve' instance
and the UPID is printed; add --wait to poll until the task finishes.

Examples:
  snapvault verify run daily
  snapvault verify run adhoc --job-file adhoc.yaml
  snapvault verify run daily --server http://backup01:8080 --wait`,
	Args: cobra.ExactArgs(1),
	RunE: runVerifyRun,
}

var verifyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured verification jobs",
	RunE:  runVerifyList,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.AddCommand(verifyRunCmd)
	verifyCmd.AddCommand(verifyListCmd)

	verifyRunCmd.Flags().String("job-file", "", "Load job definitions from a YAML/JSON file instead of the config")
	verifyRunCmd.Flags().String("owner", defaultOwner(), "User the run is attributed to")
	verifyRunCmd.Flags().String("server", "", "Submit to a snapvault server instead of running locally")
	verifyRunCmd.Flags().Bool("wait", false, "With --server, wait for the task to finish")
	verifyRunCmd.Flags().Duration("poll", 2*time.Second, "With --server --wait, status poll interval")
	verifyListCmd.Flags().Bool("json", false, "Output as JSON")
}

func defaultOwner() string {
	user := os.Getenv("USER")
	if user == "" {
		user = "root"
	}
	return user + "@cli"
}

func runVerifyRun(cmd *cobra.Command, args []string) error {
	jobID := strings.TrimSpace(args[0])
	owner, _ := cmd.Flags().GetString("owner")
	serverURL, _ := cmd.Flags().GetString("server")

	if serverURL != "" {
		wait, _ := cmd.Flags().GetBool("wait")
		poll, _ := cmd.Flags().GetDuration("poll")
		return runVerifyRemote(cmd.Context(), newAPIClient(serverURL, owner), jobID, wait, poll)
	}

	cfg, err := loadedConfig()
	if err != nil {
		return err
	}
	jobs, err := cfg.Jobs()
	if err != nil {
		return err
	}
	if jobFile, _ := cmd.Flags().GetString("job-file"); jobFile != "" {
		defs, err := verify.LoadConfigFile(jobFile)
		if err != nil {
			return err
		}
		if jobs, err = verify.NewJobs(defs); err != nil {
			return err
		}
	}
	job, err := jobs.Get(jobID)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, observability.CLILogger, appOptions{echo: cmd.OutOrStdout()})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	upid, err := a.runner.Start(ctx, a.states, job, owner, "")
	if err != nil {
		return err
	}
	observability.CLILogger.Debug("verification task started", zap.String("upid", upid))

	go func() {
		<-ctx.Done()
		_ = a.scheduler.RequestAbort(upid)
	}()

	st, err := a.scheduler.Wait(context.WithoutCancel(ctx), upid)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "upid=%s\n", upid)
	if ctx.Err() != nil && st.Outcome != nil && st.Outcome.Kind == task.OutcomeAborted {
		return &errExit{code: ExitInterrupted, msg: "verify interrupted: task " + st.Outcome.String()}
	}
	return outcomeError(st)
}

// outcomeError turns a finished task into the command result.
func outcomeError(st task.Status) error {
	if st.Outcome == nil || st.Outcome.Kind == task.OutcomeSuccess {
		return nil
	}
	return &errExit{code: ExitFailure, msg: "task " + st.Outcome.String()}
}

func runVerifyRemote(ctx context.Context, client *apiClient, jobID string, wait bool, poll time.Duration) error {
	upid, err := client.RunJob(ctx, jobID)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(os.Stdout, "upid=%s\n", upid)
	if !wait {
		return nil
	}

	t := time.NewTicker(poll)
	defer t.Stop()
	for {
		st, err := client.TaskStatus(ctx, upid)
		if err != nil {
			return err
		}
		if !st.Running {
			_, _ = fmt.Fprintf(os.Stdout, "status=%s\n", outcomeText(st.Outcome))
			return outcomeError(st)
		}
		select {
		case <-ctx.Done():
			return &errExit{code: ExitInterrupted, msg: "stopped waiting for " + upid + ": " + ctx.Err().Error()}
		case <-t.C:
		}
	}
}

func outcomeText(o *task.Outcome) string {
	if o == nil {
		return "running"
	}
	return o.String()
}

type jobListEntry struct {
	ID             string     `json:"id"`
	Store          string     `json:"store"`
	Namespace      string     `json:"namespace,omitempty"`
	Groups         []string   `json:"groups,omitempty"`
	IgnoreVerified bool       `json:"ignore_verified"`
	OutdatedAfter  string     `json:"outdated_after,omitempty"`
	Schedule       string     `json:"schedule,omitempty"`
	NextRun        *time.Time `json:"next_run,omitempty"`
	Comment        string     `json:"comment,omitempty"`
}

func newJobListEntry(j verify.Config, now time.Time) jobListEntry {
	e := jobListEntry{
		ID:             j.ID,
		Store:          j.Store,
		Namespace:      j.Namespace,
		Groups:         j.Groups,
		IgnoreVerified: j.IgnoreVerifiedOrDefault(),
		Schedule:       j.Schedule,
		Comment:        j.Comment,
	}
	if j.OutdatedAfter != nil {
		e.OutdatedAfter = j.OutdatedAfter.String()
	}
	if j.Schedule != "" {
		if next, err := schedule.NextRun(j.Schedule, now); err == nil {
			e.NextRun = &next
		}
	}
	return e
}

func runVerifyList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	cfg, err := loadedConfig()
	if err != nil {
		return err
	}
	jobs, err := cfg.Jobs()
	if err != nil {
		return err
	}
	all := jobs.All()
	out := cmd.OutOrStdout()

	if jsonOutput {
		views := make([]jobListEntry, 0, len(all))
		for _, j := range all {
			views = append(views, newJobListEntry(j, time.Now()))
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}
	if len(all) == 0 {
		_, _ = fmt.Fprintln(out, "No verification jobs configured")
		return nil
	}

	now := time.Now()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "JOB ID\tSTORE\tSCHEDULE\tNEXT RUN\tIGNORE VERIFIED\tOUTDATED AFTER\tCOMMENT")
	for _, j := range all {
		sched, next := "-", "-"
		if j.Schedule != "" {
			sched = j.Schedule
			if t, err := schedule.NextRun(j.Schedule, now); err == nil {
				next = t.Local().Format(time.RFC3339)
			}
		}
		outdated := "-"
		if j.OutdatedAfter != nil {
			outdated = j.OutdatedAfter.String()
		}
		comment := j.Comment
		if comment == "" {
			comment = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			j.ID, j.Store, sched, next, j.IgnoreVerifiedOrDefault(), outdated, comment)
	}
	return nil
}
