package verify

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownJob is returned for job ids that are not configured.
var ErrUnknownJob = errors.New("unknown verification job")

// Jobs is an immutable catalog of configured verification jobs.
type Jobs struct {
	byID map[string]Config
	ids  []string
}

// NewJobs validates cfgs and indexes them by id. Duplicate ids are rejected.
func NewJobs(cfgs []Config) (*Jobs, error) {
	j := &Jobs{byID: make(map[string]Config, len(cfgs))}
	for _, cfg := range cfgs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if _, dup := j.byID[cfg.ID]; dup {
			return nil, fmt.Errorf("verification job %s: duplicate id", cfg.ID)
		}
		j.byID[cfg.ID] = cfg
		j.ids = append(j.ids, cfg.ID)
	}
	sort.Strings(j.ids)
	return j, nil
}

// Get returns the job with the given id.
func (j *Jobs) Get(id string) (Config, error) {
	cfg, ok := j.byID[id]
	if !ok {
		return Config{}, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	return cfg, nil
}

// All returns the jobs sorted by id.
func (j *Jobs) All() []Config {
	out := make([]Config, 0, len(j.ids))
	for _, id := range j.ids {
		out = append(out, j.byID[id])
	}
	return out
}
