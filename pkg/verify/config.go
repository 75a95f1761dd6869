package verify

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/3leaps/snapvault/pkg/datastore"
	"github.com/3leaps/snapvault/pkg/jobstate"
	"github.com/3leaps/snapvault/pkg/schedule"
)

// JobType is the job and task kind of verification jobs.
const JobType = "verificationjob"

// Config describes one verification job. It is immutable for a run.
type Config struct {
	// ID is the job name.
	ID string

	// Store is the datastore to verify.
	Store string

	// IgnoreVerified skips snapshots whose last verification succeeded.
	// Unset means true.
	IgnoreVerified *bool

	// OutdatedAfter re-verifies snapshots whose last successful verification
	// is older than this. Unset means a successful verification never expires.
	OutdatedAfter *time.Duration

	// Namespace restricts the job to a namespace and its children.
	Namespace string

	// Groups are "<type>/<id>" glob patterns; empty means all groups.
	Groups []string

	// Schedule is an optional cron expression.
	Schedule string

	Comment string
}

// IgnoreVerifiedOrDefault returns IgnoreVerified, defaulting to true.
func (c Config) IgnoreVerifiedOrDefault() bool {
	if c.IgnoreVerified == nil {
		return true
	}
	return *c.IgnoreVerified
}

// Filter returns the snapshot filter of the job.
func (c Config) Filter() datastore.Filter {
	return datastore.Filter{Namespace: c.Namespace, Groups: c.Groups}
}

// Validate checks the job definition.
func (c Config) Validate() error {
	if err := (jobstate.ID{Type: JobType, Name: c.ID}).Validate(); err != nil {
		return fmt.Errorf("verification job: %w", err)
	}
	if strings.TrimSpace(c.Store) == "" {
		return fmt.Errorf("verification job %s: store is required", c.ID)
	}
	if c.OutdatedAfter != nil && *c.OutdatedAfter < 0 {
		return fmt.Errorf("verification job %s: outdated_after must not be negative", c.ID)
	}
	if err := c.Filter().Validate(); err != nil {
		return fmt.Errorf("verification job %s: %w", c.ID, err)
	}
	if c.Schedule != "" {
		if err := schedule.Validate(c.Schedule); err != nil {
			return fmt.Errorf("verification job %s: %w", c.ID, err)
		}
	}
	return nil
}

// ParseDuration parses an outdated_after value. A bare integer or an integer
// with a "d" suffix counts days; anything else is a Go duration ("36h").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	days := strings.TrimSuffix(s, "d")
	if n, err := strconv.Atoi(days); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("invalid duration %q: negative", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}
