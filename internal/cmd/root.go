// Package cmd implements the snapvault command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/snapvault/internal/config"
	"github.com/3leaps/snapvault/internal/observability"
)

const binaryName = "snapvault"

// VersionInfo is the build information injected by main.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

var versionInfo = VersionInfo{Version: "dev", Commit: "HEAD", BuildDate: "unknown"}

// SetVersionInfo records build information.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	cfgFile  string
	logLevel string
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:   binaryName,
	Short: "Datastore verification jobs with tracked state and notifications",
	Long: `snapvault runs verification jobs over backup datastores.

Each job enumerates the snapshots of one datastore, re-checks their files,
records the outcome in the snapshot manifest and in the job state, and
notifies operators. Jobs run as tasks with a unique id (UPID) and a
persistent task log.`,
	SilenceUsage:      true,
	PersistentPreRunE: initRuntime,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./snapvault.yaml, $XDG_CONFIG_HOME/snapvault/snapvault.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		observability.CLILogger.Debug("command failed", zap.Error(err))
		os.Exit(exitCode(err))
	}
}

// initRuntime loads configuration and installs the logger before any subcommand.
func initRuntime(cmd *cobra.Command, _ []string) error {
	observability.InitCLILogger(binaryName, verbose)
	if cmd.Name() == "version" {
		return nil
	}

	config.SetConfigFile(cfgFile)
	var overrides []map[string]any
	if logLevel != "" {
		overrides = append(overrides, map[string]any{"logging": map[string]any{"level": logLevel}})
	}
	if verbose {
		overrides = append(overrides, map[string]any{"logging": map[string]any{"level": "debug"}})
	}

	cfg, err := config.Load(cmd.Context(), overrides...)
	if err != nil {
		return err
	}
	if err := observability.InitLogger(binaryName, cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}

// loadedConfig returns the configuration installed by initRuntime.
func loadedConfig() (*config.Config, error) {
	cfg := config.GetConfig()
	if cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	return cfg, nil
}
