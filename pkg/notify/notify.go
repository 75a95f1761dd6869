// Package notify delivers job result summaries to operator-configured
// destinations (mail, webhook, AMQP).
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Policy decides whether a result is worth a notification.
type Policy string

const (
	PolicyAlways Policy = "always"
	PolicyError  Policy = "error"
	PolicyNever  Policy = "never"
)

// ParsePolicy validates a configured policy. Empty means always.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyAlways, nil
	case PolicyAlways, PolicyError, PolicyNever:
		return p, nil
	default:
		return "", fmt.Errorf("invalid notify policy %q (expected always, error or never)", s)
	}
}

// ShouldSend applies the policy to a result.
func (p Policy) ShouldSend(status VerifyStatus) bool {
	switch p {
	case PolicyNever:
		return false
	case PolicyError:
		return !status.OK()
	default:
		return true
	}
}

// Destination is a notification target URI:
//
//	mailto:ops@example.com
//	https://hooks.example.com/verify
//	amqp:<exchange>/<routing_key>
type Destination string

// Settings are the per-datastore notification settings.
type Settings struct {
	Destination Destination
	Policy      Policy
}

// SettingsLookup returns the notification settings of a datastore. A zero
// Destination disables notification.
type SettingsLookup func(store string) Settings

// VerifyStatus is the full result of one verification run.
type VerifyStatus struct {
	JobID   string    `json:"job_id"`
	Store   string    `json:"store"`
	Comment string    `json:"comment,omitempty"`
	TaskID  string    `json:"task_id"`
	Failed  []string  `json:"failed,omitempty"`
	Aborted bool      `json:"aborted"`
	Error   string    `json:"error,omitempty"`
	Time    time.Time `json:"time"`
}

// OK reports whether the run succeeded.
func (s VerifyStatus) OK() bool {
	return s.Error == "" && !s.Aborted
}

// Dispatcher sends a verification summary.
type Dispatcher interface {
	Send(ctx context.Context, dest Destination, policy Policy, status VerifyStatus) error
}
