package jobstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileBackend persists records as JSON files.
//
// Directory layout:
//
//	<root>/<job_type>/<job_name>.json
//	<root>/<job_type>/<job_name>.lck
type FileBackend struct {
	root string
}

var (
	_ Backend = (*FileBackend)(nil)
	_ Leaser  = (*FileBackend)(nil)
)

func NewFileBackend(root string) *FileBackend {
	return &FileBackend{root: strings.TrimSpace(root)}
}

func (b *FileBackend) RootDir() string {
	return b.root
}

func (b *FileBackend) typeDir(jobType string) string {
	return filepath.Join(b.root, jobType)
}

func (b *FileBackend) recordPath(id ID) string {
	return filepath.Join(b.typeDir(id.Type), id.Name+".json")
}

func (b *FileBackend) lockPath(id ID) string {
	return filepath.Join(b.typeDir(id.Type), id.Name+".lck")
}

func (b *FileBackend) ensureTypeDir(jobType string) error {
	if b.root == "" {
		return fmt.Errorf("job state root dir is empty")
	}
	// #nosec G301 -- state directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(b.typeDir(jobType), 0755); err != nil {
		return fmt.Errorf("create job state dir: %w", err)
	}
	return nil
}

func (b *FileBackend) Save(_ context.Context, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("job record is nil")
	}
	id := rec.ID()
	if err := id.Validate(); err != nil {
		return err
	}
	if err := b.ensureTypeDir(id.Type); err != nil {
		return err
	}

	stored := *rec
	stored.Stale = false
	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(b.typeDir(id.Type), id.Name+".json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}
	if err := os.Rename(tmpName, b.recordPath(id)); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	return nil
}

func (b *FileBackend) Load(_ context.Context, id ID) (*Record, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.recordPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, fmt.Errorf("job state file for %s is empty", id)
	}
	var rec Record
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
		return nil, fmt.Errorf("parse job state %s: %w", id, err)
	}
	return &rec, nil
}

func (b *FileBackend) List(ctx context.Context, jobType string) ([]Record, error) {
	types := []string{jobType}
	if jobType == "" {
		entries, err := os.ReadDir(b.root)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, nil
			}
			return nil, fmt.Errorf("read job state root: %w", err)
		}
		types = types[:0]
		for _, e := range entries {
			if e.IsDir() {
				types = append(types, e.Name())
			}
		}
	}

	var out []Record
	for _, t := range types {
		entries, err := os.ReadDir(b.typeDir(t))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read job state dir: %w", err)
		}
		for _, e := range entries {
			name, ok := strings.CutSuffix(e.Name(), ".json")
			if e.IsDir() || !ok {
				continue
			}
			rec, err := b.Load(ctx, ID{Type: t, Name: name})
			if err != nil {
				continue
			}
			out = append(out, *rec)
		}
	}
	sortRecords(out)
	return out, nil
}

// Lease takes a non-blocking exclusive lock on the identity's lock file. The
// lock dies with the process, so a crashed owner never blocks a later run.
func (b *FileBackend) Lease(_ context.Context, id ID, _ string) (func() error, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if err := b.ensureTypeDir(id.Type); err != nil {
		return nil, err
	}
	return lockFile(b.lockPath(id))
}
