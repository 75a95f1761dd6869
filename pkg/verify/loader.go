package verify

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// jobSpec is the on-disk form of a Config.
type jobSpec struct {
	ID             string   `yaml:"id" json:"id"`
	Store          string   `yaml:"store" json:"store"`
	IgnoreVerified *bool    `yaml:"ignore_verified" json:"ignore_verified"`
	OutdatedAfter  string   `yaml:"outdated_after" json:"outdated_after"`
	Namespace      string   `yaml:"namespace" json:"namespace"`
	Groups         []string `yaml:"groups" json:"groups"`
	Schedule       string   `yaml:"schedule" json:"schedule"`
	Comment        string   `yaml:"comment" json:"comment"`
}

type jobFile struct {
	Jobs []jobSpec `yaml:"verification_jobs" json:"verification_jobs"`
}

// LoadConfigFile reads verification job definitions from a YAML or JSON file.
//
// The file holds either a single job mapping or a "verification_jobs" list.
// The format is determined by extension: .json for JSON, anything else is
// parsed as YAML (a superset of JSON).
func LoadConfigFile(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("job file not found: %s", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading job file: %s", path)
		}
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	return LoadConfigBytes(data, path)
}

// LoadConfigBytes parses job definitions. path is only used for format
// detection and error messages.
func LoadConfigBytes(data []byte, path string) ([]Config, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("job file is empty")
	}

	unmarshal := yaml.Unmarshal
	if strings.EqualFold(filepath.Ext(path), ".json") {
		unmarshal = json.Unmarshal
	}

	var file jobFile
	if err := unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("invalid job file %s: %w", path, err)
	}
	specs := file.Jobs
	if len(specs) == 0 {
		var single jobSpec
		if err := unmarshal(data, &single); err != nil {
			return nil, fmt.Errorf("invalid job file %s: %w", path, err)
		}
		specs = []jobSpec{single}
	}

	out := make([]Config, 0, len(specs))
	for _, spec := range specs {
		cfg, err := spec.toConfig()
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

func (s jobSpec) toConfig() (Config, error) {
	cfg := Config{
		ID:             strings.TrimSpace(s.ID),
		Store:          strings.TrimSpace(s.Store),
		IgnoreVerified: s.IgnoreVerified,
		Namespace:      s.Namespace,
		Groups:         s.Groups,
		Schedule:       strings.TrimSpace(s.Schedule),
		Comment:        s.Comment,
	}
	if s.OutdatedAfter != "" {
		d, err := ParseDuration(s.OutdatedAfter)
		if err != nil {
			return Config{}, fmt.Errorf("verification job %s: outdated_after: %w", cfg.ID, err)
		}
		cfg.OutdatedAfter = &d
	}
	return cfg, nil
}
