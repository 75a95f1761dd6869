package verify

import (
	"time"

	"github.com/3leaps/snapvault/pkg/datastore"
	"github.com/3leaps/snapvault/pkg/task"
)

// SkipVerified reports whether a snapshot can be left out of a run.
//
// A snapshot is skipped only when ignoreVerified is set and its last
// verification succeeded; with outdatedAfter set, that verification must
// also be newer than now-outdatedAfter. Failed or missing verify states are
// never skipped. Without outdatedAfter a successful verification never
// expires.
func SkipVerified(ignoreVerified bool, outdatedAfter *time.Duration, m *datastore.Manifest, now time.Time) bool {
	if !ignoreVerified || m == nil {
		return false
	}
	last := m.LastVerify()
	if last == nil || last.State != datastore.VerifyOK {
		return false
	}
	if outdatedAfter == nil {
		return true
	}

	verifiedAt := last.Time
	if verifiedAt.IsZero() {
		id, err := task.ParseUPID(last.UPID)
		if err != nil {
			return false
		}
		verifiedAt = id.StartTime
	}
	return verifiedAt.After(now.Add(-*outdatedAfter))
}
