package task

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// logSink appends task log lines to <log_dir>/<upid>.
type logSink struct {
	f *os.File
}

func logPath(dir, upid string) string {
	return filepath.Join(dir, upid)
}

func createLogSink(dir, upid string) (*logSink, error) {
	// #nosec G301 -- log directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create task log dir: %w", err)
	}
	// #nosec G302 G304 -- path is built from a generated upid
	f, err := os.OpenFile(logPath(dir, upid), os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("create task log: %w", err)
	}
	return &logSink{f: f}, nil
}

func (s *logSink) writeLine(line string) error {
	_, err := s.f.WriteString(line + "\n")
	return err
}

func (s *logSink) close() error {
	return s.f.Close()
}

func (s *logSink) remove() {
	name := s.f.Name()
	_ = s.f.Close()
	_ = os.Remove(name)
}

func formatLine(ts time.Time, text string) string {
	return ts.UTC().Format(time.RFC3339) + ": " + text
}

// lineText strips the timestamp prefix of a log line.
func lineText(line string) string {
	if _, text, ok := strings.Cut(line, ": "); ok {
		return text
	}
	return line
}

// readLogStatus rebuilds a Status from a persisted task log.
func readLogStatus(dir, upid string) (Status, error) {
	id, err := ParseUPID(upid)
	if err != nil {
		return Status{}, err
	}
	// #nosec G304 -- path is built from a parsed upid
	f, err := os.Open(logPath(dir, upid))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Status{}, fmt.Errorf("%w: %s", ErrTaskNotFound, upid)
		}
		return Status{}, fmt.Errorf("open task log: %w", err)
	}
	defer func() { _ = f.Close() }()

	st := Status{
		UPID:      upid,
		Kind:      id.Kind,
		WorkerID:  id.WorkerID,
		Owner:     id.Owner,
		StartTime: id.StartTime,
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		st.Log = append(st.Log, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return Status{}, fmt.Errorf("read task log: %w", err)
	}

	outcome := Outcome{Kind: OutcomeUnknown}
	if n := len(st.Log); n > 0 {
		last := st.Log[n-1]
		if o, ok := parseTerminalLine(lineText(last)); ok {
			outcome = o
			if ts, _, ok := strings.Cut(last, ": "); ok {
				if end, err := time.Parse(time.RFC3339, ts); err == nil {
					st.EndTime = &end
				}
			}
		}
	}
	st.Outcome = &outcome
	return st, nil
}
