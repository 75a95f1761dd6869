package verify

import (
	"errors"

	"golang.org/x/time/rate"

	"github.com/3leaps/snapvault/pkg/datastore"
	"github.com/3leaps/snapvault/pkg/task"
)

// SkipFunc decides whether an enumerated snapshot is left out of the run.
type SkipFunc func(m *datastore.Manifest) bool

// VerifyAll verifies every snapshot of store selected by filter and not
// skipped, in enumeration order.
//
// Snapshot failures are collected and returned; they never stop the loop.
// An enumeration error, a verify error classified as machinery, or an abort
// request ends the loop immediately and is returned together with the
// failures collected so far. The abort flag is checked before every snapshot.
func VerifyAll(w *task.Worker, store datastore.Handle, filter datastore.Filter, skip SkipFunc, limiter *rate.Limiter) ([]string, error) {
	ctx := w.Context()
	failed := []string{}
	checked, skipped := 0, 0

	for m, err := range store.Snapshots(ctx, filter) {
		if err != nil {
			if w.AbortRequested() {
				return failed, task.ErrAborted
			}
			return failed, datastore.Machinery(store.Name(), "list snapshots", err)
		}
		if skip != nil && skip(m) {
			skipped++
			continue
		}
		if err := w.CheckAbort(); err != nil {
			return failed, err
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				if w.AbortRequested() {
					return failed, task.ErrAborted
				}
				return failed, err
			}
		}

		dir := m.Dir().String()
		w.Log("verify %s:%s", store.Name(), dir)
		checked++
		if err := store.Verify(ctx, m, w.UPID()); err != nil {
			if datastore.IsMachinery(err) {
				return failed, err
			}
			if w.AbortRequested() || errors.Is(err, task.ErrAborted) {
				return failed, task.ErrAborted
			}
			w.Log("verify %s:%s failed: %v", store.Name(), dir, err)
			failed = append(failed, dir)
		}
	}

	if skipped > 0 {
		w.Log("skipped %d already verified snapshot(s)", skipped)
	}
	w.Log("checked %d snapshot(s), %d failed", checked, len(failed))
	return failed, nil
}
