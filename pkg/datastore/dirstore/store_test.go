package dirstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/snapvault/pkg/datastore"
)

func writeSnapshot(t *testing.T, root string, dir datastore.BackupDir, files map[string]string) {
	t.Helper()
	snapDir := filepath.Join(root, filepath.FromSlash(dir.RelPath()))
	require.NoError(t, os.MkdirAll(snapDir, 0755))

	m := datastore.Manifest{BackupType: dir.Type, BackupID: dir.ID, BackupTime: dir.Time}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(snapDir, name), []byte(content), 0644))
		sum := sha256.Sum256([]byte(content))
		m.Files = append(m.Files, datastore.FileEntry{Filename: name, Size: int64(len(content)), Csum: hex.EncodeToString(sum[:])})
	}
	b, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(snapDir, datastore.ManifestFileName), b, 0644))
}

func collect(t *testing.T, s *Store, f datastore.Filter) ([]string, error) {
	t.Helper()
	var ids []string
	for m, err := range s.Snapshots(context.Background(), f) {
		if err != nil {
			return ids, err
		}
		ids = append(ids, m.Dir().String())
	}
	return ids, nil
}

func TestConfig_Validate(t *testing.T) {
	_, err := New(Config{Root: "/tmp"})
	require.ErrorContains(t, err, "name is required")
	_, err = New(Config{Name: "tank"})
	require.ErrorContains(t, err, "path is required")
}

func TestStore_SnapshotsEnumeratesInOrder(t *testing.T) {
	root := t.TempDir()
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(24 * time.Hour)

	writeSnapshot(t, root, datastore.BackupDir{Type: "vm", ID: "100", Time: t2}, map[string]string{"disk.img": "b"})
	writeSnapshot(t, root, datastore.BackupDir{Type: "vm", ID: "100", Time: t1}, map[string]string{"disk.img": "a"})
	writeSnapshot(t, root, datastore.BackupDir{Type: "ct", ID: "web", Time: t1}, map[string]string{"root.tar": "c"})
	writeSnapshot(t, root, datastore.BackupDir{Namespace: "prod", Type: "vm", ID: "200", Time: t1}, map[string]string{"disk.img": "d"})
	require.NoError(t, os.MkdirAll(filepath.Join(root, "vm", "100", "not-a-time"), 0755))

	s, err := New(Config{Name: "tank", Root: root})
	require.NoError(t, err)

	ids, err := collect(t, s, datastore.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"ct/web/2026-01-01T00:00:00Z",
		"vm/100/2026-01-01T00:00:00Z",
		"vm/100/2026-01-02T00:00:00Z",
		"ns/prod/vm/200/2026-01-01T00:00:00Z",
	}, ids)

	ids, err = collect(t, s, datastore.Filter{Namespace: "prod"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ns/prod/vm/200/2026-01-01T00:00:00Z"}, ids)

	ids, err = collect(t, s, datastore.Filter{Groups: []string{"vm/*"}})
	require.NoError(t, err)
	assert.Len(t, ids, 3)
}

func TestStore_SnapshotsMissingRootIsMachinery(t *testing.T) {
	s, err := New(Config{Name: "tank", Root: filepath.Join(t.TempDir(), "gone")})
	require.NoError(t, err)

	_, err = collect(t, s, datastore.Filter{})
	require.Error(t, err)
	assert.True(t, datastore.IsMachinery(err))
}

func TestStore_VerifyRecordsState(t *testing.T) {
	root := t.TempDir()
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	good := datastore.BackupDir{Type: "vm", ID: "100", Time: ts}
	bad := datastore.BackupDir{Type: "vm", ID: "101", Time: ts}
	writeSnapshot(t, root, good, map[string]string{"a": "alpha", "b": "beta"})
	writeSnapshot(t, root, bad, map[string]string{"a": "alpha"})
	require.NoError(t, os.WriteFile(filepath.Join(root, filepath.FromSlash(bad.RelPath()), "a"), []byte("tampered"), 0644))

	s, err := New(Config{Name: "tank", Root: root})
	require.NoError(t, err)
	verifiedAt := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return verifiedAt }

	var results []error
	for m, err := range s.Snapshots(context.Background(), datastore.Filter{}) {
		require.NoError(t, err)
		results = append(results, s.Verify(context.Background(), m, "UPID:test"))
	}
	require.Len(t, results, 2)
	require.NoError(t, results[0])
	require.Error(t, results[1])
	assert.ErrorIs(t, results[1], datastore.ErrChecksumMismatch)
	assert.False(t, datastore.IsMachinery(results[1]))

	for m, err := range s.Snapshots(context.Background(), datastore.Filter{}) {
		require.NoError(t, err)
		vs := m.LastVerify()
		require.NotNil(t, vs)
		assert.Equal(t, "UPID:test", vs.UPID)
		assert.True(t, vs.Time.Equal(verifiedAt))
		if m.BackupID == "100" {
			assert.Equal(t, datastore.VerifyOK, vs.State)
		} else {
			assert.Equal(t, datastore.VerifyFailed, vs.State)
		}
	}
}

func TestStore_VerifyMissingFileIsSnapshotLevel(t *testing.T) {
	root := t.TempDir()
	dir := datastore.BackupDir{Type: "vm", ID: "100", Time: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	writeSnapshot(t, root, dir, map[string]string{"a": "alpha"})
	require.NoError(t, os.Remove(filepath.Join(root, filepath.FromSlash(dir.RelPath()), "a")))

	s, err := New(Config{Name: "tank", Root: root})
	require.NoError(t, err)

	for m, err := range s.Snapshots(context.Background(), datastore.Filter{}) {
		require.NoError(t, err)
		verr := s.Verify(context.Background(), m, "UPID:x")
		assert.ErrorIs(t, verr, datastore.ErrSnapshotNotFound)
		assert.False(t, datastore.IsMachinery(verr))
	}
}

func TestStore_BrokenManifestFailsVerify(t *testing.T) {
	root := t.TempDir()
	dir := datastore.BackupDir{Type: "vm", ID: "100", Time: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	snapDir := filepath.Join(root, filepath.FromSlash(dir.RelPath()))
	require.NoError(t, os.MkdirAll(snapDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(snapDir, datastore.ManifestFileName), []byte("{not json"), 0644))

	s, err := New(Config{Name: "tank", Root: root})
	require.NoError(t, err)

	count := 0
	for m, err := range s.Snapshots(context.Background(), datastore.Filter{}) {
		require.NoError(t, err)
		count++
		assert.ErrorIs(t, s.Verify(context.Background(), m, "UPID:x"), datastore.ErrInvalidManifest)
	}
	assert.Equal(t, 1, count)
}

func TestStore_VerifyAfterRootRemovedIsMachinery(t *testing.T) {
	root := filepath.Join(t.TempDir(), "store")
	dir := datastore.BackupDir{Type: "vm", ID: "100", Time: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	writeSnapshot(t, root, dir, map[string]string{"a": "alpha"})

	s, err := New(Config{Name: "tank", Root: root})
	require.NoError(t, err)

	for m, err := range s.Snapshots(context.Background(), datastore.Filter{}) {
		require.NoError(t, err)
		require.NoError(t, os.RemoveAll(root))
		assert.True(t, datastore.IsMachinery(s.Verify(context.Background(), m, "UPID:x")))
		break
	}
}
