package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/3leaps/snapvault/pkg/jobstate"
)

// fakeClock jumps forward instead of sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func newTestTrigger(t *testing.T, clock *fakeClock, entries []Entry, opts ...Option) *Trigger {
	t.Helper()
	opts = append(opts, WithClock(clock.Now))
	tr, err := NewTrigger(entries, opts...)
	require.NoError(t, err)
	tr.after = clock.After
	return tr
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("0 2 * * *"))
	assert.NoError(t, Validate("*/30 * * * * *"))
	assert.NoError(t, Validate("@daily"))
	assert.Error(t, Validate(""))
	assert.Error(t, Validate("every tuesday"))
}

func TestNextRun(t *testing.T) {
	after := time.Date(2026, 3, 1, 1, 30, 0, 0, time.UTC)
	next, err := NextRun("0 2 * * *", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC), next)

	next, err = NextRun("0 2 * * *", next)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC), next)

	_, err = NextRun("0 0 1 1 * 2020", after)
	assert.ErrorIs(t, err, ErrNoNextRun)
}

func TestTrigger_FiresInOrder(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 50, 30, 0, time.UTC)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var fired []string
	var at []time.Time
	record := func(name string) RunFunc {
		return func(_ context.Context, label string) error {
			mu.Lock()
			defer mu.Unlock()
			fired = append(fired, name+" "+label)
			at = append(at, clock.Now())
			if len(fired) == 4 {
				cancel()
			}
			return nil
		}
	}

	tr := newTestTrigger(t, clock, []Entry{
		{Name: "five", Spec: "*/5 * * * *", Run: record("five")},
		{Name: "hourly", Spec: "0 * * * *", Run: record("hourly")},
	})
	err := tr.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"five */5 * * * *",
		"five */5 * * * *",
		"hourly 0 * * * *",
		"five */5 * * * *",
	}, fired)
	assert.Equal(t, []time.Time{
		time.Date(2026, 3, 1, 0, 55, 0, 0, time.UTC),
		time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 1, 1, 5, 0, 0, time.UTC),
	}, at)
}

func TestTrigger_LogsStartErrors(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 30, 0, time.UTC)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	tr := newTestTrigger(t, clock, []Entry{{
		Name: "daily",
		Spec: "* * * * *",
		Run: func(context.Context, string) error {
			calls++
			switch calls {
			case 1:
				return jobstate.ErrAlreadyRunning
			case 2:
				return errors.New("datastore not found")
			default:
				cancel()
				return nil
			}
		},
	}}, WithLogger(zap.New(core)))

	assert.ErrorIs(t, tr.Run(ctx), context.Canceled)
	assert.Equal(t, 3, calls)

	skipped := logs.FilterMessage("skipping scheduled run, job already running").All()
	require.Len(t, skipped, 1)
	assert.Equal(t, zapcore.InfoLevel, skipped[0].Level)

	failed := logs.FilterMessage("scheduled run failed to start").All()
	require.Len(t, failed, 1)
	assert.Equal(t, zapcore.ErrorLevel, failed[0].Level)
	assert.Equal(t, "datastore not found", failed[0].ContextMap()["error"])
}

func TestTrigger_Upcoming(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	noop := func(context.Context, string) error { return nil }
	tr := newTestTrigger(t, clock, []Entry{
		{Name: "nightly", Spec: "0 2 * * *", Run: noop},
		{Name: "hourly", Spec: "0 * * * *", Run: noop},
	})

	up := tr.Upcoming()
	require.Len(t, up, 2)
	assert.Equal(t, "hourly", up[0].Name)
	assert.Equal(t, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), up[0].Next)
	assert.Equal(t, time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC), up[1].Next)
}

func TestNewTrigger_RejectsInvalidEntries(t *testing.T) {
	_, err := NewTrigger([]Entry{{Name: "x", Spec: "bogus", Run: func(context.Context, string) error { return nil }}})
	assert.ErrorContains(t, err, "schedule entry x")

	_, err = NewTrigger([]Entry{{Name: "y", Spec: "@daily"}})
	assert.ErrorContains(t, err, "run func is nil")
}

func TestTrigger_NoEntriesWaitsForCancel(t *testing.T) {
	tr, err := NewTrigger(nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tr.Run(ctx), context.DeadlineExceeded)
}
