// Package task runs named operations as background goroutines with a unique
// task id (UPID), an append-only timestamped log and cooperative abort.
package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	// ErrAborted is returned by Worker.CheckAbort once an abort was requested.
	ErrAborted = errors.New("task aborted")

	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")

	// ErrShuttingDown is returned by Spawn after Shutdown was called.
	ErrShuttingDown = errors.New("scheduler is shutting down")
)

// OutcomeKind is the terminal state of a task.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailed  OutcomeKind = "failed"
	OutcomeAborted OutcomeKind = "aborted"
	// OutcomeUnknown marks a task whose log ends without a terminal line,
	// typically because its process died.
	OutcomeUnknown OutcomeKind = "unknown"
)

// Outcome is the terminal result of a task.
type Outcome struct {
	Kind    OutcomeKind `json:"kind"`
	Message string      `json:"message,omitempty"`
}

const (
	terminalPrefix = "TASK "
	lineOK         = "TASK OK"
	lineAborted    = "TASK ABORTED"
	lineErrPrefix  = "TASK ERROR: "
)

// terminalLine renders the last log line of a finished task.
func (o Outcome) terminalLine() string {
	switch o.Kind {
	case OutcomeSuccess:
		return lineOK
	case OutcomeAborted:
		return lineAborted
	default:
		return lineErrPrefix + o.Message
	}
}

// String renders the outcome the way status listings show it.
func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeSuccess:
		return "OK"
	case OutcomeAborted:
		return "ABORTED"
	case OutcomeUnknown:
		return "unknown"
	default:
		return "ERROR: " + o.Message
	}
}

func parseTerminalLine(text string) (Outcome, bool) {
	switch {
	case text == lineOK:
		return Outcome{Kind: OutcomeSuccess}, true
	case text == lineAborted:
		return Outcome{Kind: OutcomeAborted}, true
	case strings.HasPrefix(text, lineErrPrefix):
		return Outcome{Kind: OutcomeFailed, Message: strings.TrimPrefix(text, lineErrPrefix)}, true
	}
	return Outcome{}, false
}

// stateFromError maps an operation result onto an Outcome.
func stateFromError(err error) Outcome {
	switch {
	case err == nil:
		return Outcome{Kind: OutcomeSuccess}
	case errors.Is(err, ErrAborted):
		return Outcome{Kind: OutcomeAborted, Message: err.Error()}
	default:
		return Outcome{Kind: OutcomeFailed, Message: err.Error()}
	}
}

// Status is a point-in-time view of a task.
type Status struct {
	UPID      string     `json:"upid"`
	Kind      string     `json:"kind"`
	WorkerID  string     `json:"worker_id"`
	Owner     string     `json:"owner"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Running   bool       `json:"running"`
	Outcome   *Outcome   `json:"outcome,omitempty"`
	Log       []string   `json:"log,omitempty"`
}

// Task is the scheduler-side record of one spawned operation. Only the
// scheduler sets its outcome.
type Task struct {
	id         UPID
	upid       string
	background bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	lines   []string
	sink    *logSink
	outcome *Outcome
	endTime *time.Time
}

func (t *Task) status(withLog bool) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := Status{
		UPID:      t.upid,
		Kind:      t.id.Kind,
		WorkerID:  t.id.WorkerID,
		Owner:     t.id.Owner,
		StartTime: t.id.StartTime,
		Running:   t.outcome == nil,
	}
	if t.outcome != nil {
		o := *t.outcome
		st.Outcome = &o
		end := *t.endTime
		st.EndTime = &end
	}
	if withLog {
		st.Log = append([]string(nil), t.lines...)
	}
	return st
}

// Worker is the handle an Operation uses to log and to observe abort requests.
type Worker struct {
	sched *Scheduler
	task  *Task
}

// UPID returns the task id.
func (w *Worker) UPID() string { return w.task.upid }

// Context is cancelled when an abort is requested or the scheduler shuts down.
func (w *Worker) Context() context.Context { return w.task.ctx }

// Log appends a formatted line to the task log.
func (w *Worker) Log(format string, args ...any) {
	w.sched.appendLine(w.task, fmt.Sprintf(format, args...))
}

// Warn appends a formatted line prefixed with "WARN: ".
func (w *Worker) Warn(format string, args ...any) {
	w.sched.appendLine(w.task, "WARN: "+fmt.Sprintf(format, args...))
}

// AbortRequested reports whether the task was asked to stop.
func (w *Worker) AbortRequested() bool {
	return w.task.ctx.Err() != nil
}

// CheckAbort returns ErrAborted once an abort was requested.
func (w *Worker) CheckAbort() error {
	if w.AbortRequested() {
		return ErrAborted
	}
	return nil
}

// CreateState computes the outcome the scheduler will record if the operation
// returns err.
func (w *Worker) CreateState(err error) Outcome {
	return stateFromError(err)
}
