// Package dirstore implements a datastore backed by a local directory tree.
//
// Layout:
//
//	<root>/[ns/<ns>/]<type>/<id>/<RFC3339 time>/index.json
//	<root>/[ns/<ns>/]<type>/<id>/<RFC3339 time>/<files listed in index.json>
package dirstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/3leaps/snapvault/pkg/datastore"
)

const namespaceDir = "ns"

// Ensure Store implements datastore.Handle.
var _ datastore.Handle = (*Store)(nil)

type Config struct {
	Name string
	Root string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("datastore name is required")
	}
	if strings.TrimSpace(c.Root) == "" {
		return fmt.Errorf("datastore path is required")
	}
	return nil
}

// Store is a directory-backed datastore handle.
type Store struct {
	name string
	root string
	now  func() time.Time
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		name: strings.TrimSpace(cfg.Name),
		root: filepath.Clean(cfg.Root),
		now:  time.Now,
	}, nil
}

func (s *Store) Name() string { return s.name }

func (s *Store) Root() string { return s.root }

// SnapshotDir returns the absolute directory of a snapshot.
func (s *Store) SnapshotDir(dir datastore.BackupDir) string {
	return filepath.Join(s.root, filepath.FromSlash(dir.RelPath()))
}

// Snapshots enumerates snapshots in lexical order: groups of a namespace first,
// then its child namespaces.
func (s *Store) Snapshots(ctx context.Context, filter datastore.Filter) iter.Seq2[*datastore.Manifest, error] {
	return func(yield func(*datastore.Manifest, error) bool) {
		if err := s.checkRoot(); err != nil {
			yield(nil, err)
			return
		}
		_ = s.walkNamespace(ctx, s.root, "", filter, yield)
	}
}

func (s *Store) checkRoot() error {
	info, err := os.Stat(s.root)
	if err != nil {
		return datastore.Machinery(s.name, "open", err)
	}
	if !info.IsDir() {
		return datastore.Machinery(s.name, "open", fmt.Errorf("%s is not a directory", s.root))
	}
	return nil
}

// walkNamespace returns false when the consumer stopped or an error was yielded.
func (s *Store) walkNamespace(ctx context.Context, dir, ns string, filter datastore.Filter, yield func(*datastore.Manifest, error) bool) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		yield(nil, datastore.Machinery(s.name, "list", err))
		return false
	}

	if filter.MatchNamespace(ns) {
		for _, typeEntry := range entries {
			if !typeEntry.IsDir() || typeEntry.Name() == namespaceDir || strings.HasPrefix(typeEntry.Name(), ".") {
				continue
			}
			if !s.walkType(ctx, filepath.Join(dir, typeEntry.Name()), ns, typeEntry.Name(), filter, yield) {
				return false
			}
		}
	}

	children, err := os.ReadDir(filepath.Join(dir, namespaceDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true
		}
		yield(nil, datastore.Machinery(s.name, "list", err))
		return false
	}
	for _, child := range children {
		if !child.IsDir() {
			continue
		}
		childNS := child.Name()
		if ns != "" {
			childNS = ns + "/" + child.Name()
		}
		if !mayContain(filter.Namespace, childNS) {
			continue
		}
		if !s.walkNamespace(ctx, filepath.Join(dir, namespaceDir, child.Name()), childNS, filter, yield) {
			return false
		}
	}
	return true
}

func (s *Store) walkType(ctx context.Context, dir, ns, backupType string, filter datastore.Filter, yield func(*datastore.Manifest, error) bool) bool {
	ids, err := os.ReadDir(dir)
	if err != nil {
		yield(nil, datastore.Machinery(s.name, "list", err))
		return false
	}
	for _, idEntry := range ids {
		if !idEntry.IsDir() || !filter.MatchGroup(backupType, idEntry.Name()) {
			continue
		}
		groupDir := filepath.Join(dir, idEntry.Name())
		snaps, err := os.ReadDir(groupDir)
		if err != nil {
			yield(nil, datastore.Machinery(s.name, "list", err))
			return false
		}
		for _, snap := range snaps {
			if !snap.IsDir() {
				continue
			}
			backupTime, err := datastore.ParseBackupTime(snap.Name())
			if err != nil {
				continue
			}
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return false
			}
			bd := datastore.BackupDir{Namespace: ns, Type: backupType, ID: idEntry.Name(), Time: backupTime}
			if !yield(s.loadManifest(bd), nil) {
				return false
			}
		}
	}
	return true
}

// loadManifest never fails: an unreadable manifest is reported as a
// snapshot-level problem when the snapshot is verified.
func (s *Store) loadManifest(dir datastore.BackupDir) *datastore.Manifest {
	path := filepath.Join(s.SnapshotDir(dir), datastore.ManifestFileName)
	m := &datastore.Manifest{}
	b, err := os.ReadFile(path)
	if err == nil {
		err = json.Unmarshal(b, m)
		if err != nil {
			err = fmt.Errorf("%w: %v", datastore.ErrInvalidManifest, err)
		}
	}
	m.Namespace = dir.Namespace
	m.BackupType = dir.Type
	m.BackupID = dir.ID
	m.BackupTime = dir.Time
	if err != nil {
		m.LoadError = err
	}
	return m
}

func mayContain(want, ns string) bool {
	want = strings.Trim(want, "/")
	if want == "" || ns == want {
		return true
	}
	return strings.HasPrefix(ns, want+"/") || strings.HasPrefix(want, ns+"/")
}

// Verify re-hashes every file listed in the manifest and records the outcome
// in the manifest's verify state.
func (s *Store) Verify(ctx context.Context, m *datastore.Manifest, upid string) error {
	if m == nil {
		return fmt.Errorf("manifest is nil")
	}
	if err := s.checkRoot(); err != nil {
		return err
	}
	if m.LoadError != nil {
		return m.LoadError
	}

	snapDir := s.SnapshotDir(m.Dir())
	verifyErr := s.verifyFiles(ctx, snapDir, m.Files)
	if err := ctx.Err(); err != nil {
		return err
	}

	state := datastore.VerifyOK
	if verifyErr != nil {
		state = datastore.VerifyFailed
	}
	m.Unprotected.VerifyState = &datastore.VerifyState{State: state, UPID: upid, Time: s.now().UTC()}
	if err := writeManifest(snapDir, m); err != nil {
		if verifyErr != nil {
			return verifyErr
		}
		return fmt.Errorf("update verify state: %w", err)
	}
	return verifyErr
}

func (s *Store) verifyFiles(ctx context.Context, snapDir string, files []datastore.FileEntry) error {
	var errs []error
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := verifyFile(filepath.Join(snapDir, filepath.FromSlash(f.Filename)), f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func verifyFile(path string, entry datastore.FileEntry) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", entry.Filename, datastore.ErrSnapshotNotFound)
		}
		return fmt.Errorf("%s: %w", entry.Filename, err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return fmt.Errorf("%s: read: %w", entry.Filename, err)
	}
	if n != entry.Size {
		return fmt.Errorf("%s: size %d, expected %d: %w", entry.Filename, n, entry.Size, datastore.ErrChecksumMismatch)
	}
	if sum := hex.EncodeToString(h.Sum(nil)); !strings.EqualFold(sum, entry.Csum) {
		return fmt.Errorf("%s: sha256 %s, expected %s: %w", entry.Filename, sum, entry.Csum, datastore.ErrChecksumMismatch)
	}
	return nil
}

func writeManifest(snapDir string, m *datastore.Manifest) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(snapDir, datastore.ManifestFileName+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp manifest: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(snapDir, datastore.ManifestFileName)); err != nil {
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}
