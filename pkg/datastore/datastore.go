// Package datastore defines the contracts the verification runner consumes:
// looking up a datastore by name, enumerating its snapshot manifests and
// verifying a single snapshot.
package datastore

import (
	"context"
	"iter"
	"strings"
	"time"
)

// ManifestFileName is the snapshot manifest file stored in every snapshot directory.
const ManifestFileName = "index.json"

// Lookup resolves a datastore by name.
type Lookup interface {
	Lookup(ctx context.Context, name string) (Handle, error)
}

// Handle is a shared, read-mostly view of one datastore.
type Handle interface {
	// Name returns the configured datastore name.
	Name() string

	// Snapshots lazily enumerates snapshot manifests matching filter. A non-nil
	// error yielded by the sequence is a machinery failure; iteration stops after it.
	Snapshots(ctx context.Context, filter Filter) iter.Seq2[*Manifest, error]

	// Verify checks one snapshot and records the outcome in its manifest.
	// Snapshot-level problems are returned as plain errors; failures of the
	// datastore itself are returned as *MachineryError.
	Verify(ctx context.Context, m *Manifest, upid string) error
}

// VerifyStateKind is the outcome of the last verification of a snapshot.
type VerifyStateKind string

const (
	VerifyOK     VerifyStateKind = "ok"
	VerifyFailed VerifyStateKind = "failed"
)

// VerifyState is stored in the unprotected section of a manifest after a verify.
type VerifyState struct {
	State VerifyStateKind `json:"state"`
	UPID  string          `json:"upid"`
	Time  time.Time       `json:"time,omitempty"`
}

// Unprotected holds manifest data that is not covered by file checksums.
type Unprotected struct {
	VerifyState *VerifyState `json:"verify_state,omitempty"`
}

// FileEntry describes one file belonging to a snapshot.
type FileEntry struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	// Csum is the hex-encoded sha256 of the file content.
	Csum string `json:"csum"`
}

// Manifest is the catalog entry of one snapshot (index.json).
type Manifest struct {
	BackupType  string      `json:"backup-type"`
	BackupID    string      `json:"backup-id"`
	BackupTime  time.Time   `json:"backup-time"`
	Files       []FileEntry `json:"files"`
	Unprotected Unprotected `json:"unprotected"`

	// Namespace is derived from the snapshot location, not stored.
	Namespace string `json:"-"`

	// LoadError is set by enumeration when the manifest file could not be
	// read or parsed. Verify reports it as a snapshot-level failure.
	LoadError error `json:"-"`
}

// Dir returns the snapshot's backup directory identity.
func (m *Manifest) Dir() BackupDir {
	return BackupDir{
		Namespace: m.Namespace,
		Type:      m.BackupType,
		ID:        m.BackupID,
		Time:      m.BackupTime,
	}
}

// LastVerify returns the recorded verify state, or nil if the snapshot was never verified.
func (m *Manifest) LastVerify() *VerifyState {
	return m.Unprotected.VerifyState
}

// BackupDir identifies a snapshot: namespace, backup group and backup time.
type BackupDir struct {
	Namespace string
	Type      string
	ID        string
	Time      time.Time
}

// Group returns the backup group path "<type>/<id>".
func (d BackupDir) Group() string {
	return d.Type + "/" + d.ID
}

// RelPath returns the snapshot path relative to the datastore root.
func (d BackupDir) RelPath() string {
	return d.String()
}

// String renders "[ns/<ns>/]<type>/<id>/<RFC3339 time>".
func (d BackupDir) String() string {
	var b strings.Builder
	if ns := strings.Trim(d.Namespace, "/"); ns != "" {
		for _, part := range strings.Split(ns, "/") {
			b.WriteString("ns/")
			b.WriteString(part)
			b.WriteByte('/')
		}
	}
	b.WriteString(d.Group())
	b.WriteByte('/')
	b.WriteString(FormatBackupTime(d.Time))
	return b.String()
}

// FormatBackupTime renders a backup time the way it appears in snapshot paths.
func FormatBackupTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ParseBackupTime parses a snapshot directory name.
func ParseBackupTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
