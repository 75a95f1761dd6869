package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/3leaps/snapvault/pkg/task"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and abort tasks",
}

var tasksStatusCmd = &cobra.Command{
	Use:   "status <upid>",
	Short: "Show the state of a task from its log",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksStatus,
}

var tasksLogCmd = &cobra.Command{
	Use:   "log <upid>",
	Short: "Print a task log",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksLog,
}

var tasksAbortCmd = &cobra.Command{
	Use:   "abort <upid>",
	Short: "Request an abort of a task running in a server",
	Long: `Request an abort of a running task.

Tasks run inside 'snapvault serve', so the request goes to its HTTP API.
The task stops at its next abort check and ends with TASK ABORTED.`,
	Args: cobra.ExactArgs(1),
	RunE: runTasksAbort,
}

func init() {
	rootCmd.AddCommand(tasksCmd)
	tasksCmd.AddCommand(tasksStatusCmd)
	tasksCmd.AddCommand(tasksLogCmd)
	tasksCmd.AddCommand(tasksAbortCmd)

	tasksStatusCmd.Flags().Bool("json", false, "Output as JSON")
	tasksAbortCmd.Flags().String("server", defaultServerURL, "Server base URL")
}

// logStatus reads a task from the configured log directory.
func logStatus(upid string) (task.Status, error) {
	upid = strings.TrimSpace(upid)
	if _, err := task.ParseUPID(upid); err != nil {
		return task.Status{}, &errExit{code: ExitUsage, msg: err.Error()}
	}
	cfg, err := loadedConfig()
	if err != nil {
		return task.Status{}, err
	}
	return task.NewScheduler(task.WithLogDir(cfg.TaskLogDir())).Status(upid)
}

func runTasksStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	st, err := logStatus(args[0])
	if err != nil {
		return err
	}
	st.Log = nil
	out := cmd.OutOrStdout()

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	_, _ = fmt.Fprintf(out, "UPID:     %s\n", st.UPID)
	_, _ = fmt.Fprintf(out, "Kind:     %s\n", st.Kind)
	_, _ = fmt.Fprintf(out, "Worker:   %s\n", orDash(st.WorkerID))
	_, _ = fmt.Fprintf(out, "Owner:    %s\n", st.Owner)
	_, _ = fmt.Fprintf(out, "Started:  %s\n", formatOptionalTime(&st.StartTime))
	_, _ = fmt.Fprintf(out, "Ended:    %s\n", formatOptionalTime(st.EndTime))
	_, _ = fmt.Fprintf(out, "Status:   %s\n", outcomeText(st.Outcome))
	return nil
}

func runTasksLog(cmd *cobra.Command, args []string) error {
	st, err := logStatus(args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, line := range st.Log {
		_, _ = fmt.Fprintln(out, line)
	}
	return nil
}

func runTasksAbort(cmd *cobra.Command, args []string) error {
	upid := strings.TrimSpace(args[0])
	if _, err := task.ParseUPID(upid); err != nil {
		return &errExit{code: ExitUsage, msg: err.Error()}
	}
	serverURL, _ := cmd.Flags().GetString("server")
	if err := newAPIClient(serverURL, "").AbortTask(cmd.Context(), upid); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "abort requested: %s\n", upid)
	return nil
}
