// Package config loads snapvault configuration with viper.
//
// Precedence, highest first: runtime overrides, environment (SNAPVAULT_*),
// config file, defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/3leaps/snapvault/pkg/datastore"
	"github.com/3leaps/snapvault/pkg/notify"
	"github.com/3leaps/snapvault/pkg/verify"
)

// Config is the full application configuration.
type Config struct {
	StateDir         string            `mapstructure:"state_dir"`
	Logging          LoggingConfig     `mapstructure:"logging"`
	Server           ServerConfig      `mapstructure:"server"`
	JobState         JobStateConfig    `mapstructure:"jobstate"`
	Verify           VerifyConfig      `mapstructure:"verify"`
	Notify           NotifyConfig      `mapstructure:"notify"`
	Datastores       []DatastoreConfig `mapstructure:"datastores"`
	VerificationJobs []JobConfig       `mapstructure:"verification_jobs"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Job state backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

type JobStateConfig struct {
	// Backend is one of file, sqlite or redis.
	Backend string `mapstructure:"backend"`
	// Path is the state directory (file) or database file (sqlite).
	// Empty derives it from StateDir.
	Path  string      `mapstructure:"path"`
	Redis RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
}

type VerifyConfig struct {
	// MaxRate limits snapshot verifications per second; 0 disables pacing.
	MaxRate float64 `mapstructure:"max_rate"`
	Burst   int     `mapstructure:"burst"`
}

type NotifyConfig struct {
	SMTP    SMTPConfig    `mapstructure:"smtp"`
	Webhook WebhookConfig `mapstructure:"webhook"`
	AMQP    AMQPConfig    `mapstructure:"amqp"`
}

type SMTPConfig struct {
	Addr     string `mapstructure:"addr"`
	From     string `mapstructure:"from"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type WebhookConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type AMQPConfig struct {
	URL string `mapstructure:"url"`
}

// Datastore types.
const (
	StoreTypeDir = "dir"
	StoreTypeS3  = "s3"
)

// DatastoreConfig declares one datastore.
type DatastoreConfig struct {
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"`

	// Path is the root directory of a dir datastore.
	Path string `mapstructure:"path"`

	Bucket         string `mapstructure:"bucket"`
	Prefix         string `mapstructure:"prefix"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`

	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	// Maintenance is "", "read-only" or "offline".
	Maintenance string `mapstructure:"maintenance"`

	// Notify is the notification destination URI; empty disables it.
	Notify       string `mapstructure:"notify"`
	NotifyPolicy string `mapstructure:"notify_policy"`
}

// JobConfig declares one verification job.
type JobConfig struct {
	ID             string         `mapstructure:"id"`
	Store          string         `mapstructure:"store"`
	IgnoreVerified *bool          `mapstructure:"ignore_verified"`
	OutdatedAfter  *time.Duration `mapstructure:"outdated_after"`
	Namespace      string         `mapstructure:"namespace"`
	Groups         []string       `mapstructure:"groups"`
	Schedule       string         `mapstructure:"schedule"`
	Comment        string         `mapstructure:"comment"`
}

// Verify converts the entry to a runner config.
func (j JobConfig) Verify() verify.Config {
	return verify.Config{
		ID:             j.ID,
		Store:          j.Store,
		IgnoreVerified: j.IgnoreVerified,
		OutdatedAfter:  j.OutdatedAfter,
		Namespace:      j.Namespace,
		Groups:         j.Groups,
		Schedule:       j.Schedule,
		Comment:        j.Comment,
	}
}

// Jobs builds the verification job catalog.
func (c *Config) Jobs() (*verify.Jobs, error) {
	cfgs := make([]verify.Config, 0, len(c.VerificationJobs))
	for _, j := range c.VerificationJobs {
		cfgs = append(cfgs, j.Verify())
	}
	return verify.NewJobs(cfgs)
}

// Datastore returns the datastore entry with the given name.
func (c *Config) Datastore(name string) (DatastoreConfig, bool) {
	for _, d := range c.Datastores {
		if d.Name == name {
			return d, true
		}
	}
	return DatastoreConfig{}, false
}

// NotifySettings returns the notification settings of a datastore.
// Unknown datastores and invalid policies yield no destination.
func (c *Config) NotifySettings(store string) notify.Settings {
	d, ok := c.Datastore(store)
	if !ok || d.Notify == "" {
		return notify.Settings{}
	}
	policy, err := notify.ParsePolicy(d.NotifyPolicy)
	if err != nil {
		return notify.Settings{}
	}
	return notify.Settings{Destination: notify.Destination(d.Notify), Policy: policy}
}

// JobStatePath returns the configured job state location, derived from
// StateDir when unset.
func (c *Config) JobStatePath() string {
	if c.JobState.Path != "" {
		return c.JobState.Path
	}
	switch c.JobState.Backend {
	case BackendSQLite:
		return filepath.Join(c.StateDir, "jobstate.db")
	default:
		return filepath.Join(c.StateDir, "jobs")
	}
}

// TaskLogDir is where task logs are persisted.
func (c *Config) TaskLogDir() string {
	return filepath.Join(c.StateDir, "tasks")
}

// Validate checks cross-field constraints that decoding cannot express.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.StateDir) == "" {
		return fmt.Errorf("state_dir is required")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}

	switch c.JobState.Backend {
	case BackendFile, BackendSQLite:
	case BackendRedis:
		if c.JobState.Redis.Addr == "" {
			return fmt.Errorf("jobstate.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown jobstate.backend %q (want %s, %s or %s)", c.JobState.Backend, BackendFile, BackendSQLite, BackendRedis)
	}

	if c.Verify.MaxRate < 0 {
		return fmt.Errorf("verify.max_rate must not be negative")
	}

	seen := make(map[string]bool, len(c.Datastores))
	for i, d := range c.Datastores {
		if d.Name == "" {
			return fmt.Errorf("datastores[%d]: name is required", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("datastore %s: duplicate name", d.Name)
		}
		seen[d.Name] = true

		switch d.Type {
		case StoreTypeDir:
			if d.Path == "" {
				return fmt.Errorf("datastore %s: path is required", d.Name)
			}
		case StoreTypeS3:
			if d.Bucket == "" {
				return fmt.Errorf("datastore %s: bucket is required", d.Name)
			}
		default:
			return fmt.Errorf("datastore %s: unknown type %q (want %s or %s)", d.Name, d.Type, StoreTypeDir, StoreTypeS3)
		}
		if _, err := datastore.ParseMaintenanceMode(d.Maintenance); err != nil {
			return fmt.Errorf("datastore %s: %w", d.Name, err)
		}
		if _, err := notify.ParsePolicy(d.NotifyPolicy); err != nil {
			return fmt.Errorf("datastore %s: %w", d.Name, err)
		}
	}

	if _, err := c.Jobs(); err != nil {
		return err
	}
	return nil
}

// DefaultStateDir returns $XDG_STATE_HOME/snapvault, falling back to
// ~/.local/state/snapvault.
func DefaultStateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, appName)
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), appName)
	}
	return filepath.Join(home, ".local", "state", appName)
}
