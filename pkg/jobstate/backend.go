package jobstate

import (
	"context"
	"os"
	"sort"
	"syscall"
	"time"
)

// Backend persists job records.
type Backend interface {
	// Load returns the record for id, or ErrNotFound.
	Load(ctx context.Context, id ID) (*Record, error)

	// Save creates or replaces the record.
	Save(ctx context.Context, rec *Record) error

	// List returns all records of jobType, or of every type when jobType is empty.
	List(ctx context.Context, jobType string) ([]Record, error)
}

// Leaser is implemented by backends that can exclude other processes from
// running the same identity. Lease returns ErrAlreadyRunning when another
// owner holds the identity.
type Leaser interface {
	Lease(ctx context.Context, id ID, owner string) (release func() error, err error)
}

func sortRecords(out []Record) {
	sort.Slice(out, func(i, j int) bool {
		ti, tj := recordSortTime(out[i]), recordSortTime(out[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].ID().String() < out[j].ID().String()
	})
}

func recordSortTime(r Record) time.Time {
	if r.StartedAt != nil {
		return r.StartedAt.UTC()
	}
	return time.Time{}
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 checks for existence without sending a signal.
	if err := p.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	return true
}
