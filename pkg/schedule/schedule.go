// Package schedule triggers jobs from cron expressions.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
	"go.uber.org/zap"

	"github.com/3leaps/snapvault/pkg/jobstate"
)

// ErrNoNextRun is returned when an expression never fires again.
var ErrNoNextRun = errors.New("schedule has no next run")

// Validate checks a cron expression. Five fields, six (trailing year) and
// seven (leading seconds) are accepted, as are shortcuts like @daily.
func Validate(spec string) error {
	_, err := parse(spec)
	return err
}

func parse(spec string) (*cronexpr.Expression, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("invalid schedule: empty expression")
	}
	expr, err := cronexpr.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return expr, nil
}

// NextRun returns the first time after `after` at which spec fires.
func NextRun(spec string, after time.Time) (time.Time, error) {
	expr, err := parse(spec)
	if err != nil {
		return time.Time{}, err
	}
	next := expr.Next(after)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q", ErrNoNextRun, spec)
	}
	return next, nil
}

// RunFunc starts one scheduled run. label is the schedule expression that
// triggered it.
type RunFunc func(ctx context.Context, label string) error

// Entry is one scheduled job.
type Entry struct {
	Name string
	Spec string
	Run  RunFunc
}

type entry struct {
	Entry
	expr *cronexpr.Expression
	next time.Time
}

// Trigger fires entries when their schedule is due. Runs are started, never
// awaited; a failed start is logged and the entry waits for its next slot.
type Trigger struct {
	entries []*entry
	logger  *zap.Logger
	now     func() time.Time
	after   func(time.Duration) <-chan time.Time
}

// Option configures a Trigger.
type Option func(*Trigger)

func WithLogger(l *zap.Logger) Option {
	return func(t *Trigger) {
		if l != nil {
			t.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Trigger) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTrigger validates entries. Entries without a schedule are rejected.
func NewTrigger(entries []Entry, opts ...Option) (*Trigger, error) {
	t := &Trigger{
		logger: zap.NewNop(),
		now:    time.Now,
		after:  time.After,
	}
	for _, opt := range opts {
		opt(t)
	}
	for _, e := range entries {
		if e.Run == nil {
			return nil, fmt.Errorf("schedule entry %s: run func is nil", e.Name)
		}
		expr, err := parse(e.Spec)
		if err != nil {
			return nil, fmt.Errorf("schedule entry %s: %w", e.Name, err)
		}
		t.entries = append(t.entries, &entry{Entry: e, expr: expr})
	}
	return t, nil
}

// Upcoming returns entry names with their next run, soonest first.
func (t *Trigger) Upcoming() []Upcoming {
	now := t.now()
	out := make([]Upcoming, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, Upcoming{Name: e.Name, Spec: e.Spec, Next: e.expr.Next(now)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Next.Before(out[j].Next) })
	return out
}

// Upcoming is a scheduled entry and its next run time.
type Upcoming struct {
	Name string    `json:"name"`
	Spec string    `json:"schedule"`
	Next time.Time `json:"next_run"`
}

// Run blocks until ctx is done, firing entries as they come due.
func (t *Trigger) Run(ctx context.Context) error {
	if len(t.entries) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	now := t.now()
	for _, e := range t.entries {
		e.next = e.expr.Next(now)
	}

	for {
		due := t.earliest()
		if due.IsZero() {
			t.logger.Info("no scheduled runs left")
			<-ctx.Done()
			return ctx.Err()
		}

		if wait := due.Sub(t.now()); wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.after(wait):
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		now := t.now()
		for _, e := range t.entries {
			if e.next.IsZero() || e.next.After(now) {
				continue
			}
			t.fire(ctx, e)
			e.next = e.expr.Next(now)
		}
	}
}

func (t *Trigger) earliest() time.Time {
	var due time.Time
	for _, e := range t.entries {
		if e.next.IsZero() {
			continue
		}
		if due.IsZero() || e.next.Before(due) {
			due = e.next
		}
	}
	return due
}

func (t *Trigger) fire(ctx context.Context, e *entry) {
	err := e.Run(ctx, e.Spec)
	switch {
	case err == nil:
		t.logger.Debug("scheduled run started", zap.String("job", e.Name), zap.String("schedule", e.Spec))
	case errors.Is(err, jobstate.ErrAlreadyRunning):
		t.logger.Info("skipping scheduled run, job already running", zap.String("job", e.Name))
	default:
		t.logger.Error("scheduled run failed to start",
			zap.String("job", e.Name),
			zap.String("schedule", e.Spec),
			zap.Error(err))
	}
}
