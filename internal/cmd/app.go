package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/3leaps/snapvault/internal/config"
	"github.com/3leaps/snapvault/pkg/datastore"
	"github.com/3leaps/snapvault/pkg/datastore/dirstore"
	"github.com/3leaps/snapvault/pkg/datastore/s3store"
	"github.com/3leaps/snapvault/pkg/jobstate"
	"github.com/3leaps/snapvault/pkg/notify"
	"github.com/3leaps/snapvault/pkg/task"
	"github.com/3leaps/snapvault/pkg/verify"
)

// app holds the components built from configuration.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	registry  *datastore.Registry
	backend   jobstate.Backend
	states    *jobstate.Store
	scheduler *task.Scheduler
	router    *notify.Router
	runner    *verify.Runner
	jobs      *verify.Jobs

	closers []func() error
}

type appOptions struct {
	// echo receives foreground task log lines.
	echo io.Writer
	// skipStores leaves the datastore registry empty.
	skipStores bool
	// skipNotify builds no notification transports.
	skipNotify bool
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.jobs, err = cfg.Jobs()
	if err != nil {
		return nil, err
	}

	a.backend, err = openBackend(ctx, cfg, a)
	if err != nil {
		return nil, err
	}
	a.states = jobstate.NewStore(a.backend, jobstate.WithLogger(logger))

	schedOpts := []task.Option{
		task.WithLogDir(cfg.TaskLogDir()),
		task.WithLogger(logger),
	}
	if opts.echo != nil {
		schedOpts = append(schedOpts, task.WithEcho(opts.echo))
	}
	a.scheduler = task.NewScheduler(schedOpts...)

	a.registry = datastore.NewRegistry()
	if !opts.skipStores {
		if err := a.registerStores(ctx); err != nil {
			return nil, err
		}
	}

	runnerOpts := []verify.Option{
		verify.WithLogger(logger),
		verify.WithRateLimit(cfg.Verify.MaxRate, cfg.Verify.Burst),
	}
	if !opts.skipNotify {
		a.router, err = a.buildRouter()
		if err != nil {
			return nil, err
		}
		runnerOpts = append(runnerOpts, verify.WithNotify(cfg.NotifySettings, a.router))
	}
	a.runner = verify.NewRunner(a.scheduler, a.registry, runnerOpts...)
	return a, nil
}

func openBackend(ctx context.Context, cfg *config.Config, a *app) (jobstate.Backend, error) {
	switch cfg.JobState.Backend {
	case config.BackendSQLite:
		b, err := jobstate.OpenSQLite(ctx, cfg.JobStatePath())
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, b.Close)
		return b, nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.JobState.Redis.Addr,
			Password: cfg.JobState.Redis.Password,
			DB:       cfg.JobState.Redis.DB,
		})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", cfg.JobState.Redis.Addr, err)
		}
		return jobstate.NewRedisBackend(client, jobstate.RedisConfig{
			LeaseTTL: cfg.JobState.Redis.LeaseTTL,
			Logger:   a.logger,
		}), nil
	default:
		return jobstate.NewFileBackend(cfg.JobStatePath()), nil
	}
}

func (a *app) registerStores(ctx context.Context) error {
	for _, d := range a.cfg.Datastores {
		h, err := openStore(ctx, d)
		if err != nil {
			return fmt.Errorf("datastore %s: %w", d.Name, err)
		}
		mode, err := datastore.ParseMaintenanceMode(d.Maintenance)
		if err != nil {
			return fmt.Errorf("datastore %s: %w", d.Name, err)
		}
		if err := a.registry.Register(h, mode); err != nil {
			return err
		}
	}
	return nil
}

func openStore(ctx context.Context, d config.DatastoreConfig) (datastore.Handle, error) {
	switch d.Type {
	case config.StoreTypeS3:
		return s3store.New(ctx, s3store.Config{
			Name:            d.Name,
			Bucket:          d.Bucket,
			Prefix:          d.Prefix,
			Region:          d.Region,
			Endpoint:        d.Endpoint,
			Profile:         d.Profile,
			AccessKeyID:     d.AccessKeyID,
			SecretAccessKey: d.SecretAccessKey,
			ForcePathStyle:  d.ForcePathStyle,
		})
	default:
		return dirstore.New(dirstore.Config{Name: d.Name, Root: d.Path})
	}
}

func (a *app) buildRouter() (*notify.Router, error) {
	n := a.cfg.Notify
	opts := []notify.RouterOption{
		notify.WithTransport(notify.NewWebhookTransport(n.Webhook.Timeout), "http", "https"),
	}
	if n.SMTP.Addr != "" {
		t, err := notify.NewEmailTransport(notify.EmailConfig{
			Addr:     n.SMTP.Addr,
			From:     n.SMTP.From,
			Username: n.SMTP.Username,
			Password: n.SMTP.Password,
		})
		if err != nil {
			return nil, fmt.Errorf("notify smtp: %w", err)
		}
		opts = append(opts, notify.WithTransport(t, "mailto"))
	}
	if n.AMQP.URL != "" {
		t, closeFn, err := notify.DialAMQP(n.AMQP.URL)
		if err != nil {
			// amqp: destinations then fail per send and are logged
			a.logger.Warn("amqp notifications disabled", zap.Error(err))
		} else {
			a.closers = append(a.closers, closeFn)
			opts = append(opts, notify.WithTransport(t, "amqp"))
		}
	}
	return notify.NewRouter(opts...), nil
}

// Close shuts down the scheduler and releases backend connections.
func (a *app) Close() error {
	var errs []error
	if a.scheduler != nil {
		if err := a.scheduler.Shutdown(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
