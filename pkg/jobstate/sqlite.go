package jobstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteDriver = "sqlite"

// SchemaVersion is the current job_state schema version.
const SchemaVersion = 2

// SQLiteBackend persists records in a SQLite database. Leases are rows in
// job_lease; a lease whose owning pid is gone may be taken over.
type SQLiteBackend struct {
	db    *sql.DB
	pid   int
	alive func(pid int) bool
}

var (
	_ Backend = (*SQLiteBackend)(nil)
	_ Leaser  = (*SQLiteBackend)(nil)
)

// OpenSQLite opens (and creates if needed) the job state database at path and
// migrates its schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteBackend, error) {
	dsn, err := buildDSN(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(sqliteDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open job state db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping job state db: %w", err)
	}
	if err := configureSQLite(ctx, db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteBackend{db: db, pid: os.Getpid(), alive: isProcessAlive}, nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func buildDSN(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("job state db path is required")
	}
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return path, nil
	}
	dir := filepath.Dir(filepath.Clean(path))
	if dir != "." && dir != string(filepath.Separator) {
		// #nosec G301 -- data directories use 0755 for multi-user access compatibility
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("create job state db directory: %w", err)
		}
	}
	return "file:" + filepath.Clean(path), nil
}

func configureSQLite(ctx context.Context, db *sql.DB, dsn string) error {
	// Keep a single connection; required for :memory: and avoids writer
	// contention for files.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if !strings.HasPrefix(dsn, "file:") {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,
		`CREATE TABLE IF NOT EXISTS job_state (
			job_type TEXT NOT NULL,
			job_name TEXT NOT NULL,
			state TEXT NOT NULL,
			task_id TEXT,
			pid INTEGER,
			started_at TEXT,
			ended_at TEXT,
			result_status TEXT,
			result_message TEXT,
			PRIMARY KEY(job_type, job_name)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_job_state_started_at ON job_state(started_at);`,
		// v2: cross-process leases.
		`CREATE TABLE IF NOT EXISTS job_lease (
			job_type TEXT NOT NULL,
			job_name TEXT NOT NULL,
			owner TEXT NOT NULL,
			pid INTEGER NOT NULL,
			acquired_at TEXT NOT NULL,
			PRIMARY KEY(job_type, job_name)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Save(ctx context.Context, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("job record is nil")
	}
	var status, message sql.NullString
	if rec.Result != nil {
		status = sql.NullString{String: string(rec.Result.Status), Valid: true}
		message = sql.NullString{String: rec.Result.Message, Valid: true}
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO job_state (job_type, job_name, state, task_id, pid, started_at, ended_at, result_status, result_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_type, job_name) DO UPDATE SET
			state=excluded.state,
			task_id=excluded.task_id,
			pid=excluded.pid,
			started_at=excluded.started_at,
			ended_at=excluded.ended_at,
			result_status=excluded.result_status,
			result_message=excluded.result_message`,
		rec.JobType, rec.JobName, string(rec.State), nullString(rec.TaskID), rec.PID,
		formatTime(rec.StartedAt), formatTime(rec.EndedAt), status, message,
	)
	if err != nil {
		return fmt.Errorf("save job state: %w", err)
	}
	return nil
}

const selectRecord = `SELECT job_type, job_name, state, task_id, pid, started_at, ended_at, result_status, result_message FROM job_state`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec                     Record
		state                   string
		taskID, started, ended  sql.NullString
		resultStatus, resultMsg sql.NullString
		pid                     sql.NullInt64
	)
	if err := row.Scan(&rec.JobType, &rec.JobName, &state, &taskID, &pid, &started, &ended, &resultStatus, &resultMsg); err != nil {
		return nil, err
	}
	rec.State = State(state)
	rec.TaskID = taskID.String
	rec.PID = int(pid.Int64)
	var err error
	if rec.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if rec.EndedAt, err = parseTime(ended); err != nil {
		return nil, err
	}
	if resultStatus.Valid {
		rec.Result = &Result{Status: ResultStatus(resultStatus.String), Message: resultMsg.String}
	}
	return &rec, nil
}

func (b *SQLiteBackend) Load(ctx context.Context, id ID) (*Record, error) {
	rec, err := scanRecord(b.db.QueryRowContext(ctx, selectRecord+` WHERE job_type=? AND job_name=?`, id.Type, id.Name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job state: %w", err)
	}
	return rec, nil
}

func (b *SQLiteBackend) List(ctx context.Context, jobType string) ([]Record, error) {
	query := selectRecord
	var args []any
	if jobType != "" {
		query += ` WHERE job_type=?`
		args = append(args, jobType)
	}
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list job state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job state: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list job state: %w", err)
	}
	sortRecords(out)
	return out, nil
}

// Lease inserts a lease row for id. An existing row held by a dead pid is
// taken over; one held by a live pid yields ErrAlreadyRunning.
func (b *SQLiteBackend) Lease(ctx context.Context, id ID, owner string) (func() error, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin lease tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var holderPID int
	err = tx.QueryRowContext(ctx, `SELECT pid FROM job_lease WHERE job_type=? AND job_name=?`, id.Type, id.Name).Scan(&holderPID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("read lease: %w", err)
	case b.alive(holderPID):
		return nil, ErrAlreadyRunning
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO job_lease (job_type, job_name, owner, pid, acquired_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(job_type, job_name) DO UPDATE SET owner=excluded.owner, pid=excluded.pid, acquired_at=excluded.acquired_at`,
		id.Type, id.Name, owner, b.pid, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("write lease: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease: %w", err)
	}

	return func() error {
		_, err := b.db.ExecContext(context.WithoutCancel(ctx),
			`DELETE FROM job_lease WHERE job_type=? AND job_name=? AND owner=?`, id.Type, id.Name, owner)
		return err
	}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func formatTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", s.String, err)
	}
	return &t, nil
}
