package jobstate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// memBackend is a minimal Backend without leasing.
type memBackend struct {
	mu      sync.Mutex
	records map[ID]Record
	saveErr error
	saves   int
}

func newMemBackend() *memBackend {
	return &memBackend{records: map[ID]Record{}}
}

func (m *memBackend) Load(_ context.Context, id ID) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *memBackend) Save(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.records[rec.ID()] = *rec
	return nil
}

func (m *memBackend) List(_ context.Context, jobType string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for id, rec := range m.records {
		if jobType == "" || id.Type == jobType {
			out = append(out, rec)
		}
	}
	return out, nil
}

func TestStore_StartFinishLifecycle(t *testing.T) {
	backend := newMemBackend()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(backend, WithClock(func() time.Time { return now }))
	job := s.Job("verificationjob", "tank-daily")
	ctx := context.Background()

	rec, err := job.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateCreated, rec.State)

	require.NoError(t, job.Start(ctx, "UPID:a"))
	rec, err = job.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, rec.State)
	assert.Equal(t, "UPID:a", rec.TaskID)
	assert.False(t, rec.Stale)

	require.NoError(t, job.Finish(ctx, Result{Status: ResultError, Message: "verification failed - please check the log for details"}))
	rec, err = job.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateFinished, rec.State)
	require.NotNil(t, rec.Result)
	assert.Equal(t, ResultError, rec.Result.Status)
	require.NotNil(t, rec.EndedAt)
	assert.True(t, rec.EndedAt.Equal(now))

	// A finished job can run again.
	require.NoError(t, job.Start(ctx, "UPID:b"))
	require.NoError(t, job.Finish(ctx, Result{Status: ResultOK}))
}

func TestStore_ConcurrentStartExactlyOneWins(t *testing.T) {
	s := NewStore(NewFileBackend(t.TempDir()))
	ctx := context.Background()

	const n = 16
	var wins, already atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Start(ctx, ID{Type: "verificationjob", Name: "tank"}, "UPID:x")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrAlreadyRunning):
				already.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(n-1), already.Load())
}

func TestStore_FinishWhenNotRunning(t *testing.T) {
	s := NewStore(newMemBackend())
	ctx := context.Background()
	id := ID{Type: "verificationjob", Name: "tank"}

	assert.ErrorIs(t, s.Finish(ctx, id, Result{Status: ResultOK}), ErrNotRunning)

	require.NoError(t, s.Start(ctx, id, "UPID:a"))
	require.NoError(t, s.Finish(ctx, id, Result{Status: ResultOK}))
	assert.ErrorIs(t, s.Finish(ctx, id, Result{Status: ResultOK}), ErrNotRunning, "second finish is rejected")
}

func TestStore_PersistErrorStillTransitions(t *testing.T) {
	backend := newMemBackend()
	backend.saveErr = errors.New("disk full")
	s := NewStore(backend)
	ctx := context.Background()
	id := ID{Type: "verificationjob", Name: "tank"}

	err := s.Start(ctx, id, "UPID:a")
	require.Error(t, err)
	assert.True(t, IsPersistError(err))
	assert.ErrorIs(t, err, backend.saveErr)

	// In-memory hold is in place despite the failed write.
	assert.ErrorIs(t, s.Start(ctx, id, "UPID:b"), ErrAlreadyRunning)
	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, rec.State)

	err = s.Finish(ctx, id, Result{Status: ResultOK})
	assert.True(t, IsPersistError(err))

	backend.saveErr = nil
	require.NoError(t, s.Start(ctx, id, "UPID:c"), "identity released after failed finish write")
}

func TestStore_RecoversStaleRunningRecord(t *testing.T) {
	backend := newMemBackend()
	started := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	id := ID{Type: "verificationjob", Name: "tank"}
	backend.records[id] = Record{JobType: id.Type, JobName: id.Name, State: StateRunning, TaskID: "UPID:old", PID: 4242, StartedAt: &started}

	core, logs := observer.New(zap.WarnLevel)
	s := NewStore(backend, WithLogger(zap.New(core)))
	s.alive = func(int) bool { return false }

	rec, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, rec.Stale)

	require.NoError(t, s.Start(context.Background(), id, "UPID:new"))
	assert.Equal(t, 1, logs.FilterMessage("recovering stale running job state").Len())
}

func TestStore_LiveForeignOwnerBlocksStart(t *testing.T) {
	backend := newMemBackend()
	id := ID{Type: "verificationjob", Name: "tank"}
	backend.records[id] = Record{JobType: id.Type, JobName: id.Name, State: StateRunning, TaskID: "UPID:other", PID: 4242}

	s := NewStore(backend)
	s.alive = func(pid int) bool { return pid == 4242 }

	assert.ErrorIs(t, s.Start(context.Background(), id, "UPID:new"), ErrAlreadyRunning)
	assert.ErrorIs(t, s.Finish(context.Background(), id, Result{}), ErrNotRunning, "failed start leaves no hold")
}

func TestStore_ListOverlaysRunningJobs(t *testing.T) {
	backend := newMemBackend()
	t1 := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	backend.records[ID{"verificationjob", "old"}] = Record{JobType: "verificationjob", JobName: "old", State: StateFinished, StartedAt: &t1}
	backend.records[ID{"prunejob", "other"}] = Record{JobType: "prunejob", JobName: "other", State: StateFinished, StartedAt: &t1}

	s := NewStore(backend, WithClock(func() time.Time { return t2 }))
	require.NoError(t, s.Start(context.Background(), ID{"verificationjob", "new"}, "UPID:n"))

	list, err := s.List(context.Background(), "verificationjob")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].JobName)
	assert.Equal(t, StateRunning, list[0].State)
	assert.Equal(t, "old", list[1].JobName)
}

func TestID_Validate(t *testing.T) {
	assert.NoError(t, ID{"verificationjob", "tank-daily.v2"}.Validate())
	assert.Error(t, ID{"", "x"}.Validate())
	assert.Error(t, ID{"verificationjob", "a/b"}.Validate())
	assert.Error(t, ID{"verificationjob", ".."}.Validate())
}
