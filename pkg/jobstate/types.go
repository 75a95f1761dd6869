package jobstate

import (
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle state of a job.
//
// NOTE: These values are persisted by every backend and are part of the
// stable on-disk contract.
type State string

const (
	StateCreated  State = "created"
	StateRunning  State = "running"
	StateFinished State = "finished"
)

// ResultStatus classifies the outcome of the last finished run.
type ResultStatus string

const (
	ResultOK      ResultStatus = "ok"
	ResultError   ResultStatus = "error"
	ResultAborted ResultStatus = "aborted"
	ResultUnknown ResultStatus = "unknown"
)

// Result is the terminal outcome stored when a job finishes.
type Result struct {
	Status  ResultStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

// ID identifies a job by type and name, e.g. ("verificationjob", "tank-daily").
type ID struct {
	Type string
	Name string
}

func (id ID) String() string {
	return id.Type + "/" + id.Name
}

// Validate rejects identities that cannot be stored safely by every backend.
func (id ID) Validate() error {
	for _, f := range [...]struct{ field, v string }{{"job type", id.Type}, {"job name", id.Name}} {
		field, v := f.field, f.v
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%s is required", field)
		}
		if strings.ContainsAny(v, `/\`) || v == "." || v == ".." {
			return fmt.Errorf("%s %q contains a path separator", field, v)
		}
	}
	return nil
}

// Record is the persisted state of one job identity.
//
// The schema is designed for backward-compatible extension (additive fields).
type Record struct {
	JobType string `json:"job_type"`
	JobName string `json:"job_name"`
	State   State  `json:"state"`
	TaskID  string `json:"task_id,omitempty"`
	PID     int    `json:"pid,omitempty"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Result    *Result    `json:"result,omitempty"`

	// Stale is set on reads when the record claims Running but its owner is
	// gone. It is never persisted.
	Stale bool `json:"stale,omitempty"`
}

// ID returns the record's job identity.
func (r Record) ID() ID {
	return ID{Type: r.JobType, Name: r.JobName}
}
