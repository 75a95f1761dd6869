package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/snapvault/pkg/verify"
)

const (
	appName    = "snapvault"
	envPrefix  = "SNAPVAULT"
	configName = "snapvault"
)

// EnvPrefix and ConfigName identify the application to the config layer.
const (
	EnvPrefix  = envPrefix
	ConfigName = configName
)

var (
	configMu   sync.RWMutex
	appConfig  *Config
	configFile string
)

// EnvSpec maps a short environment variable onto a config key.
type EnvSpec struct {
	Name string
	Key  string
}

// SetConfigFile pins the config file used by Load. Empty restores discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// Load builds the configuration and makes it available through GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	applyDefaults(v)

	configMu.RLock()
	explicit := configFile
	configMu.RUnlock()

	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", explicit, err)
		}
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		for _, p := range getUserConfigPaths() {
			v.AddConfigPath(p)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Key, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationHook(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the last loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("state_dir", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("jobstate.backend", BackendFile)
	v.SetDefault("jobstate.path", "")
	v.SetDefault("jobstate.redis.addr", "")
	v.SetDefault("jobstate.redis.password", "")
	v.SetDefault("jobstate.redis.db", 0)
	v.SetDefault("jobstate.redis.lease_ttl", "30s")

	v.SetDefault("verify.max_rate", 0)
	v.SetDefault("verify.burst", 1)

	v.SetDefault("notify.smtp.addr", "")
	v.SetDefault("notify.smtp.from", "")
	v.SetDefault("notify.smtp.username", "")
	v.SetDefault("notify.smtp.password", "")
	v.SetDefault("notify.webhook.timeout", "10s")
	v.SetDefault("notify.amqp.url", "")
}

// getEnvSpecs lists the short environment aliases. Every other key is also
// reachable as SNAPVAULT_<SECTION>_<KEY>.
func getEnvSpecs() []EnvSpec {
	return []EnvSpec{
		{Name: envPrefix + "_STATE_DIR", Key: "state_dir"},
		{Name: envPrefix + "_LOG_LEVEL", Key: "logging.level"},
		{Name: envPrefix + "_LOG_PROFILE", Key: "logging.profile"},
		{Name: envPrefix + "_HOST", Key: "server.host"},
		{Name: envPrefix + "_PORT", Key: "server.port"},
		{Name: envPrefix + "_READ_TIMEOUT", Key: "server.read_timeout"},
		{Name: envPrefix + "_WRITE_TIMEOUT", Key: "server.write_timeout"},
		{Name: envPrefix + "_SHUTDOWN_TIMEOUT", Key: "server.shutdown_timeout"},
		{Name: envPrefix + "_JOBSTATE_BACKEND", Key: "jobstate.backend"},
		{Name: envPrefix + "_REDIS_ADDR", Key: "jobstate.redis.addr"},
		{Name: envPrefix + "_REDIS_PASSWORD", Key: "jobstate.redis.password"},
		{Name: envPrefix + "_SMTP_PASSWORD", Key: "notify.smtp.password"},
		{Name: envPrefix + "_AMQP_URL", Key: "notify.amqp.url"},
	}
}

// getUserConfigPaths returns the config search path, most specific first.
func getUserConfigPaths() []string {
	paths := []string{"."}
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		paths = append(paths, filepath.Join(dir, appName))
	} else if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, appName))
	}
	return append(paths, filepath.Join("/etc", appName))
}

// flatten turns nested override maps into dotted keys so a partial section
// override does not replace its siblings.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := m[k].(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = m[k]
	}
	return out
}

// durationHook decodes Go durations and day counts ("7d", or "7" meaning
// seven days) into time.Duration.
func durationHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) || from.Kind() != reflect.String {
			return data, nil
		}
		s := strings.TrimSpace(data.(string))
		if s == "" {
			return time.Duration(0), nil
		}
		return verify.ParseDuration(s)
	}
}
