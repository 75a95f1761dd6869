package task

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultRetention is the number of finished tasks kept in memory when a log
// directory is configured. Older ones are served from their log files.
const DefaultRetention = 1000

// Operation is the body of a task.
type Operation func(w *Worker) error

// Gate runs synchronously inside Spawn after the UPID is minted and before
// the operation starts. A gate error cancels the spawn.
type Gate func(ctx context.Context, upid string) error

type spawnConfig struct {
	gates []Gate
}

// SpawnOption configures a single Spawn call.
type SpawnOption func(*spawnConfig)

// BeforeStart adds a gate to the spawn.
func BeforeStart(g Gate) SpawnOption {
	return func(c *spawnConfig) {
		c.gates = append(c.gates, g)
	}
}

// Scheduler spawns operations as goroutines and tracks their outcome.
type Scheduler struct {
	node      string
	pid       int
	logDir    string
	retention int
	logger    *zap.Logger
	now       func() time.Time
	alive     func(pid int) bool

	echoMu sync.Mutex
	echo   io.Writer

	counter atomic.Uint64

	base       context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	tasks    map[string]*Task
	finished []string
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithNode sets the node name embedded in UPIDs. Defaults to the hostname.
func WithNode(node string) Option {
	return func(s *Scheduler) { s.node = node }
}

// WithLogDir persists every task log to <dir>/<upid>.
func WithLogDir(dir string) Option {
	return func(s *Scheduler) { s.logDir = dir }
}

// WithEcho copies log lines of foreground tasks to w.
func WithEcho(w io.Writer) Option {
	return func(s *Scheduler) { s.echo = w }
}

// WithLogger sets the process logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source used for start times and log lines.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRetention sets how many finished tasks stay in memory.
func WithRetention(n int) Option {
	return func(s *Scheduler) { s.retention = n }
}

// NewScheduler creates a Scheduler.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		pid:       os.Getpid(),
		retention: DefaultRetention,
		logger:    zap.NewNop(),
		now:       time.Now,
		alive:     isProcessAlive,
		tasks:     make(map[string]*Task),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.node == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "localhost"
		}
		s.node = host
	}
	s.base, s.cancelBase = context.WithCancel(context.Background())
	return s
}

// Node returns the node name used in UPIDs.
func (s *Scheduler) Node() string { return s.node }

// Spawn starts op in its own goroutine and returns its UPID without waiting.
//
// kind is the worker type (e.g., "verificationjob"), workerID identifies the
// subject (e.g., "<store>:<job>") and owner the requesting user. When
// background is false, log lines are also echoed to the configured writer.
func (s *Scheduler) Spawn(ctx context.Context, kind, workerID, owner string, background bool, op Operation, opts ...SpawnOption) (string, error) {
	if op == nil {
		return "", fmt.Errorf("operation is nil")
	}
	var cfg spawnConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	id := UPID{
		Node:      s.node,
		PID:       s.pid,
		Counter:   s.counter.Add(1),
		StartTime: s.now().UTC(),
		Kind:      kind,
		WorkerID:  workerID,
		Owner:     owner,
	}
	upid := id.String()
	if _, err := ParseUPID(upid); err != nil {
		return "", err
	}

	// Reserve the slot before the gates run. Once a gate has committed, the
	// operation runs even if Shutdown arrives meanwhile; it then starts with
	// its context cancelled.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrShuttingDown
	}
	s.wg.Add(1)
	s.mu.Unlock()

	t := &Task{
		id:         id,
		upid:       upid,
		background: background,
		done:       make(chan struct{}),
	}
	if s.logDir != "" {
		sink, err := createLogSink(s.logDir, upid)
		if err != nil {
			s.wg.Done()
			return "", err
		}
		t.sink = sink
	}

	for _, gate := range cfg.gates {
		if err := gate(ctx, upid); err != nil {
			if t.sink != nil {
				t.sink.remove()
			}
			s.wg.Done()
			return "", err
		}
	}

	s.mu.Lock()
	t.ctx, t.cancel = context.WithCancel(s.base)
	s.tasks[upid] = t
	s.mu.Unlock()

	go s.run(t, op)
	return upid, nil
}

func (s *Scheduler) run(t *Task, op Operation) {
	defer s.wg.Done()

	w := &Worker{sched: s, task: t}
	err := s.invoke(w, op)
	outcome := stateFromError(err)
	terminal := outcome.terminalLine()

	end := s.now().UTC()
	t.mu.Lock()
	s.writeLineLocked(t, formatLine(end, terminal))
	t.outcome = &outcome
	t.endTime = &end
	if t.sink != nil {
		if cerr := t.sink.close(); cerr != nil {
			s.logger.Warn("close task log failed", zap.String("upid", t.upid), zap.Error(cerr))
		}
		t.sink = nil
	}
	t.mu.Unlock()
	s.echoLine(t, terminal)

	if outcome.Kind != OutcomeSuccess {
		s.logger.Debug("task finished",
			zap.String("upid", t.upid),
			zap.String("outcome", string(outcome.Kind)),
			zap.String("message", outcome.Message))
	}
	s.retire(t.upid)

	t.cancel()
	close(t.done)
}

func (s *Scheduler) invoke(w *Worker, op Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked", zap.String("upid", w.task.upid), zap.Any("panic", r))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return op(w)
}

// retire evicts the oldest finished tasks beyond the retention limit. Only
// done when logs are persisted, so Status can still answer from disk.
func (s *Scheduler) retire(upid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logDir == "" || s.retention <= 0 {
		return
	}
	s.finished = append(s.finished, upid)
	for len(s.finished) > s.retention {
		delete(s.tasks, s.finished[0])
		s.finished = s.finished[1:]
	}
}

// appendLine adds a log line. Lines arriving after the terminal line are
// dropped so the log always ends with it.
func (s *Scheduler) appendLine(t *Task, text string) {
	line := formatLine(s.now(), text)

	t.mu.Lock()
	if t.outcome != nil {
		t.mu.Unlock()
		return
	}
	s.writeLineLocked(t, line)
	t.mu.Unlock()

	s.echoLine(t, text)
}

// writeLineLocked must be called with t.mu held.
func (s *Scheduler) writeLineLocked(t *Task, line string) {
	t.lines = append(t.lines, line)
	if t.sink != nil {
		if err := t.sink.writeLine(line); err != nil {
			s.logger.Warn("write task log failed", zap.String("upid", t.upid), zap.Error(err))
		}
	}
}

func (s *Scheduler) echoLine(t *Task, text string) {
	if !t.background && s.echo != nil {
		s.echoMu.Lock()
		_, _ = fmt.Fprintln(s.echo, text)
		s.echoMu.Unlock()
	}
}

func (s *Scheduler) lookup(upid string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[upid]
	return t, ok
}

// RequestAbort sets the task's abort flag. The operation stops at its next
// abort check; nothing is preempted. Aborting a finished task is a no-op.
func (s *Scheduler) RequestAbort(upid string) error {
	t, ok := s.lookup(upid)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, upid)
	}
	select {
	case <-t.done:
		return nil
	default:
	}
	if t.ctx.Err() == nil {
		s.appendLine(t, "received abort request")
	}
	t.cancel()
	return nil
}

// Status returns the task's state and its log. Tasks unknown to this process
// are read from the log directory.
func (s *Scheduler) Status(upid string) (Status, error) {
	if t, ok := s.lookup(upid); ok {
		return t.status(true), nil
	}
	if s.logDir == "" {
		return Status{}, fmt.Errorf("%w: %s", ErrTaskNotFound, upid)
	}
	st, err := readLogStatus(s.logDir, upid)
	if err != nil {
		return Status{}, err
	}
	if st.Outcome != nil && st.Outcome.Kind == OutcomeUnknown {
		if id, err := ParseUPID(upid); err == nil && id.Node == s.node && id.PID != s.pid && s.alive(id.PID) {
			st.Running = true
			st.Outcome = nil
		}
	}
	return st, nil
}

// Wait blocks until the task finishes or ctx is done.
func (s *Scheduler) Wait(ctx context.Context, upid string) (Status, error) {
	t, ok := s.lookup(upid)
	if !ok {
		return s.Status(upid)
	}
	select {
	case <-t.done:
		return t.status(true), nil
	case <-ctx.Done():
		return t.status(false), ctx.Err()
	}
}

// List returns in-memory tasks ordered by start time, without logs.
func (s *Scheduler) List() []Status {
	s.mu.Lock()
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	out := make([]Status, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.status(false))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].UPID < out[j].UPID
	})
	return out
}

// Shutdown refuses new spawns, requests abort of all running tasks and waits
// for them to finish or for ctx to expire.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.cancelBase()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
