// Package jobstate tracks the lifecycle of named jobs and guarantees that at
// most one run per job identity is in flight.
//
// Exclusion is enforced twice: an in-process hold table guards goroutines of
// this process, and backends implementing Leaser guard other processes
// sharing the same backend.
package jobstate

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

type hold struct {
	// ready is false while Start is still talking to the backend.
	ready   bool
	record  Record
	release func() error
}

// Store coordinates job state transitions over a Backend.
type Store struct {
	backend Backend
	logger  *zap.Logger
	now     func() time.Time
	pid     int
	alive   func(pid int) bool

	mu   sync.Mutex
	held map[ID]*hold
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the process logger used for stale-record recovery and lease errors.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore returns a Store persisting to backend.
func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		logger:  zap.NewNop(),
		now:     time.Now,
		pid:     os.Getpid(),
		alive:   isProcessAlive,
		held:    make(map[ID]*hold),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend returns the underlying persistence backend.
func (s *Store) Backend() Backend {
	return s.backend
}

// Job returns a handle for one job identity.
func (s *Store) Job(jobType, jobName string) *Job {
	return &Job{store: s, id: ID{Type: jobType, Name: jobName}}
}

// Start transitions id to Running with the given task id.
//
// It returns ErrAlreadyRunning if the identity is running in this process or,
// for leasing backends, in another one. A *PersistError means the transition
// happened but could not be stored; the caller owns the run either way.
func (s *Store) Start(ctx context.Context, id ID, taskID string) error {
	if err := id.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.held[id]; ok {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	h := &hold{}
	s.held[id] = h
	s.mu.Unlock()

	var persistErr error
	leased := false
	if leaser, ok := s.backend.(Leaser); ok {
		release, err := leaser.Lease(ctx, id, taskID)
		switch {
		case errors.Is(err, ErrAlreadyRunning):
			s.drop(id)
			return err
		case err != nil:
			persistErr = &PersistError{Op: "lease", ID: id, Err: err}
		default:
			h.release = release
			leased = true
		}
	}

	prev, err := s.backend.Load(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		if persistErr == nil {
			persistErr = &PersistError{Op: "load", ID: id, Err: err}
		}
	case prev.State == StateRunning:
		if !leased && prev.PID != s.pid && s.alive(prev.PID) {
			s.releaseLease(id, h)
			s.drop(id)
			return ErrAlreadyRunning
		}
		s.logger.Warn("recovering stale running job state",
			zap.String("job", id.String()),
			zap.String("task_id", prev.TaskID),
			zap.Int("pid", prev.PID))
	}

	now := s.now().UTC()
	rec := Record{
		JobType:   id.Type,
		JobName:   id.Name,
		State:     StateRunning,
		TaskID:    taskID,
		PID:       s.pid,
		StartedAt: &now,
	}

	s.mu.Lock()
	h.record = rec
	h.ready = true
	s.mu.Unlock()

	if err := s.backend.Save(ctx, &rec); err != nil && persistErr == nil {
		persistErr = &PersistError{Op: "start", ID: id, Err: err}
	}
	return persistErr
}

// Finish transitions id from Running to Finished and releases the identity.
//
// It returns ErrNotRunning if id is not running in this process. A
// *PersistError means the identity was released but the final record could
// not be stored.
func (s *Store) Finish(ctx context.Context, id ID, result Result) error {
	s.mu.Lock()
	h, ok := s.held[id]
	if !ok || !h.ready {
		s.mu.Unlock()
		return ErrNotRunning
	}
	delete(s.held, id)
	s.mu.Unlock()

	now := s.now().UTC()
	rec := h.record
	rec.State = StateFinished
	rec.EndedAt = &now
	rec.Result = &result

	var persistErr error
	if err := s.backend.Save(ctx, &rec); err != nil {
		persistErr = &PersistError{Op: "finish", ID: id, Err: err}
	}
	s.releaseLease(id, h)
	return persistErr
}

func (s *Store) drop(id ID) {
	s.mu.Lock()
	delete(s.held, id)
	s.mu.Unlock()
}

func (s *Store) releaseLease(id ID, h *hold) {
	if h.release == nil {
		return
	}
	if err := h.release(); err != nil {
		s.logger.Warn("release job lease failed", zap.String("job", id.String()), zap.Error(err))
	}
}

// Get returns the current record for id. An identity that was never started
// reports StateCreated.
func (s *Store) Get(ctx context.Context, id ID) (*Record, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if h, ok := s.held[id]; ok && h.ready {
		rec := h.record
		s.mu.Unlock()
		return &rec, nil
	}
	s.mu.Unlock()

	rec, err := s.backend.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return &Record{JobType: id.Type, JobName: id.Name, State: StateCreated}, nil
	}
	if err != nil {
		return nil, err
	}
	s.markStale(rec)
	return rec, nil
}

// List returns all records of jobType (every type when empty), newest first.
func (s *Store) List(ctx context.Context, jobType string) ([]Record, error) {
	out, err := s.backend.List(ctx, jobType)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[ID]bool, len(out))
	for i := range out {
		id := out[i].ID()
		seen[id] = true
		if h, ok := s.held[id]; ok && h.ready {
			out[i] = h.record
			continue
		}
		s.markStale(&out[i])
	}
	for id, h := range s.held {
		if h.ready && !seen[id] && (jobType == "" || id.Type == jobType) {
			out = append(out, h.record)
		}
	}
	sortRecords(out)
	return out, nil
}

// markStale flags a Running record owned by a process that no longer exists.
// The caller must not hold the record in memory.
func (s *Store) markStale(rec *Record) {
	if rec.State != StateRunning {
		return
	}
	if rec.PID == s.pid || !s.alive(rec.PID) {
		rec.Stale = true
	}
}

// Job is a handle for one job identity. Only Start and Finish mutate its state.
type Job struct {
	store *Store
	id    ID
}

func (j *Job) ID() ID { return j.id }

// Start marks the job Running under taskID. See Store.Start.
func (j *Job) Start(ctx context.Context, taskID string) error {
	return j.store.Start(ctx, j.id, taskID)
}

// Finish records the terminal result. See Store.Finish.
func (j *Job) Finish(ctx context.Context, result Result) error {
	return j.store.Finish(ctx, j.id, result)
}

// Status returns the job's current record.
func (j *Job) Status(ctx context.Context) (*Record, error) {
	return j.store.Get(ctx, j.id)
}
