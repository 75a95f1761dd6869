package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/snapvault/internal/config"
	"github.com/3leaps/snapvault/internal/observability"
	"github.com/3leaps/snapvault/pkg/datastore/s3store"
	"github.com/3leaps/snapvault/pkg/verify"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the configuration and environment and suggest
fixes for common issues.

Checks the Go runtime, the state directory, the job state backend and every
configured datastore. S3 datastores additionally resolve AWS credentials.

Examples:
  snapvault doctor
  snapvault doctor --config /etc/snapvault/snapvault.yaml`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// doctorCheck is one diagnostic step. A non-nil error fails the check.
type doctorCheck struct {
	name string
	run  func(ctx context.Context) (string, error)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	cfg, err := loadedConfig()
	if err != nil {
		return err
	}
	log := observability.CLILogger
	log.Info("=== " + binaryName + " doctor ===")
	log.Info("")
	log.Info("Running diagnostic checks...")
	log.Info("")

	ok := runChecks(cmd.Context(), doctorChecks(cfg))

	log.Info("")
	if ok {
		log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", binaryName))
	} else {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	log.Info("")
	log.Info("=== End Diagnostics ===")
	if !ok {
		return &errExit{code: ExitFailure, msg: "doctor: checks failed"}
	}
	return nil
}

func runChecks(ctx context.Context, checks []doctorCheck) bool {
	ok := true
	for i, c := range checks {
		detail, err := c.run(ctx)
		prefix := fmt.Sprintf("[%d/%d] Checking %s...", i+1, len(checks), c.name)
		if err != nil {
			observability.CLILogger.Error(prefix+" ❌ "+err.Error(), zap.String("check", c.name))
			ok = false
			continue
		}
		observability.CLILogger.Info(prefix+" ✅ "+detail, zap.String("check", c.name))
	}
	return ok
}

func doctorChecks(cfg *config.Config) []doctorCheck {
	checks := []doctorCheck{
		{name: "Go version", run: func(context.Context) (string, error) {
			v := runtime.Version()
			if v < "go1.25" {
				return "", fmt.Errorf("%s (recommended: go1.25+)", v)
			}
			return v, nil
		}},
		{name: "environment", run: func(context.Context) (string, error) {
			return runtime.GOOS + "/" + runtime.GOARCH, nil
		}},
		{name: "state directory", run: func(context.Context) (string, error) {
			return cfg.StateDir, checkWritableDir(cfg.StateDir)
		}},
		{name: "job state backend", run: func(ctx context.Context) (string, error) {
			a, err := newApp(ctx, cfg, observability.CLILogger, appOptions{skipStores: true, skipNotify: true})
			if err != nil {
				return "", err
			}
			defer func() { _ = a.Close() }()
			recs, err := a.states.List(ctx, verify.JobType)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s (%d verification jobs recorded)", cfg.JobState.Backend, len(recs)), nil
		}},
	}
	for _, d := range cfg.Datastores {
		checks = append(checks, doctorCheck{
			name: "datastore " + d.Name,
			run: func(ctx context.Context) (string, error) {
				if _, err := openStore(ctx, d); err != nil {
					return "", err
				}
				if d.Type == config.StoreTypeS3 {
					return checkS3Credentials(ctx, d)
				}
				return d.Path, nil
			},
		})
	}
	return checks
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(filepath.Clean(name))
}

func checkS3Credentials(ctx context.Context, d config.DatastoreConfig) (string, error) {
	awsCfg, err := s3store.LoadAWSConfig(ctx, s3store.Config{
		Name:            d.Name,
		Bucket:          d.Bucket,
		Region:          d.Region,
		Endpoint:        d.Endpoint,
		Profile:         d.Profile,
		AccessKeyID:     d.AccessKeyID,
		SecretAccessKey: d.SecretAccessKey,
	})
	if err != nil {
		printAWSCredentialsHelp()
		return "", fmt.Errorf("cannot load AWS config: %w", err)
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		printAWSCredentialsHelp()
		return "", fmt.Errorf("cannot retrieve credentials: %w", err)
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	return fmt.Sprintf("s3://%s key=%s source=%s", d.Bucket, maskAccessKey(creds.AccessKeyID), source), nil
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("")
	log.Info("To configure AWS credentials for an s3 datastore:")
	log.Info("  1. Set access_key_id and secret_access_key on the datastore, or")
	log.Info("  2. Set profile to a shared config profile ('aws configure'), or")
	log.Info("  3. Export AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY, or")
	log.Info("  4. Use an IAM role when running on AWS infrastructure")
	log.Info("")
	log.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set endpoint")
	log.Info("and force_path_style on the datastore.")
	log.Info("")
}
