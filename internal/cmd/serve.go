package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/snapvault/internal/config"
	"github.com/3leaps/snapvault/internal/observability"
	"github.com/3leaps/snapvault/internal/server"
	"github.com/3leaps/snapvault/internal/server/handlers"
	"github.com/3leaps/snapvault/pkg/jobstate"
	"github.com/3leaps/snapvault/pkg/schedule"
	"github.com/3leaps/snapvault/pkg/verify"
)

// scheduleOwner is the user scheduled runs are attributed to.
const scheduleOwner = "scheduler@snapvault"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the job scheduler",
	Long: `Run the HTTP API and trigger scheduled verification jobs.

Jobs with a schedule run when their cron expression fires; a firing is
skipped while the previous run of the same job is still active. Manual runs
and task control go through /api/v1.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().Int("port", 0, "Listen port (overrides server.port)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadedConfig()
	if err != nil {
		return err
	}
	host, port := cfg.Server.Host, cfg.Server.Port
	if h, _ := cmd.Flags().GetString("host"); h != "" {
		host = h
	}
	if p, _ := cmd.Flags().GetInt("port"); p != 0 {
		port = p
	}
	log := observability.CLILogger

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log, appOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()
	hm.RegisterChecker("signals", signalHealthChecker{ctx: ctx})
	hm.RegisterChecker("identity", identityHealthChecker{binaryName: binaryName, envPrefix: config.EnvPrefix, configName: config.ConfigName})
	hm.RegisterChecker("jobstate", jobStateHealthChecker{states: a.states})

	trigger, err := schedule.NewTrigger(scheduledEntries(a), schedule.WithLogger(log))
	if err != nil {
		return err
	}
	for _, u := range trigger.Upcoming() {
		log.Info("scheduled job", zap.String("job", u.Name), zap.String("schedule", u.Spec), zap.Time("next_run", u.Next))
	}

	srv := server.New(host, port,
		server.WithLogger(log),
		server.WithVersion(versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
		server.WithVerifyAPI(&handlers.VerifyAPI{
			Jobs:      a.jobs,
			States:    a.states,
			Runner:    a.runner,
			Scheduler: a.scheduler,
		}),
	)

	errCh := make(chan error, 2)
	go func() { errCh <- srv.Start() }()
	go func() {
		if err := trigger.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("scheduler: %w", err)
		}
	}()
	log.Info("snapvault server started", zap.String("addr", srv.Addr()), zap.Int("jobs", len(a.jobs.All())))

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-errCh:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := a.scheduler.Shutdown(shutdownCtx); err != nil {
		log.Warn("tasks still running at shutdown", zap.Error(err))
	}
	return runErr
}

// scheduledEntries returns one trigger entry per job with a schedule.
func scheduledEntries(a *app) []schedule.Entry {
	var entries []schedule.Entry
	for _, job := range a.jobs.All() {
		if job.Schedule == "" {
			continue
		}
		entries = append(entries, schedule.Entry{
			Name: job.ID,
			Spec: job.Schedule,
			Run: func(ctx context.Context, label string) error {
				_, err := a.runner.Start(ctx, a.states, job, scheduleOwner, label)
				return err
			},
		})
	}
	return entries
}

// signalHealthChecker reports unhealthy once the signal context is done, so
// load balancers stop routing while the server drains.
type signalHealthChecker struct {
	ctx context.Context
}

func (c signalHealthChecker) CheckHealth(context.Context) error {
	if c.ctx == nil {
		return errors.New("signal handling not installed")
	}
	if c.ctx.Err() != nil {
		return errors.New("shutdown signal received")
	}
	return nil
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("identity invalid: missing binary name")
	case c.envPrefix == "":
		return errors.New("identity invalid: missing env prefix")
	case c.configName == "":
		return errors.New("identity invalid: missing config name")
	}
	return nil
}

type jobStateHealthChecker struct {
	states *jobstate.Store
}

func (c jobStateHealthChecker) CheckHealth(ctx context.Context) error {
	if c.states == nil {
		return errors.New("job state store not initialized")
	}
	if _, err := c.states.List(ctx, verify.JobType); err != nil {
		return fmt.Errorf("job state backend: %w", err)
	}
	return nil
}
