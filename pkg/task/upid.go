package task

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const upidPrefix = "UPID:"

// UPID is the unique identifier of a spawned task.
//
// Text form:
//
//	UPID:<node>:<pid>:<counter>:<starttime>:<kind>:<worker_id>:<owner>:
//
// pid, counter and starttime (unix seconds) are upper-case hex, at least
// eight digits. node, kind, worker_id and owner escape ':', '/' and '\' as \xNN.
type UPID struct {
	Node      string
	PID       int
	Counter   uint64
	StartTime time.Time
	Kind      string
	WorkerID  string
	Owner     string
}

func (u UPID) String() string {
	return fmt.Sprintf("%s%s:%08X:%08X:%08X:%s:%s:%s:",
		upidPrefix, escapeField(u.Node), u.PID, u.Counter, u.StartTime.Unix(),
		escapeField(u.Kind), escapeField(u.WorkerID), escapeField(u.Owner))
}

// ParseUPID parses the text form produced by UPID.String.
func ParseUPID(s string) (UPID, error) {
	body, ok := strings.CutPrefix(s, upidPrefix)
	if !ok {
		return UPID{}, fmt.Errorf("invalid upid %q: missing prefix", s)
	}
	body, ok = strings.CutSuffix(body, ":")
	if !ok {
		return UPID{}, fmt.Errorf("invalid upid %q: missing trailing colon", s)
	}
	parts := strings.Split(body, ":")
	if len(parts) != 7 {
		return UPID{}, fmt.Errorf("invalid upid %q: expected 7 fields, got %d", s, len(parts))
	}
	node, err := unescapeField(parts[0])
	if err != nil {
		return UPID{}, fmt.Errorf("invalid upid %q: %w", s, err)
	}
	if node == "" {
		return UPID{}, fmt.Errorf("invalid upid %q: empty node", s)
	}

	pid, err := strconv.ParseInt(parts[1], 16, 64)
	if err != nil {
		return UPID{}, fmt.Errorf("invalid upid %q: pid: %w", s, err)
	}
	counter, err := strconv.ParseUint(parts[2], 16, 64)
	if err != nil {
		return UPID{}, fmt.Errorf("invalid upid %q: counter: %w", s, err)
	}
	start, err := strconv.ParseInt(parts[3], 16, 64)
	if err != nil {
		return UPID{}, fmt.Errorf("invalid upid %q: starttime: %w", s, err)
	}
	fields := make([]string, 3)
	for i, raw := range parts[4:] {
		v, err := unescapeField(raw)
		if err != nil {
			return UPID{}, fmt.Errorf("invalid upid %q: %w", s, err)
		}
		fields[i] = v
	}
	if fields[0] == "" {
		return UPID{}, fmt.Errorf("invalid upid %q: empty kind", s)
	}

	return UPID{
		Node:      node,
		PID:       int(pid),
		Counter:   counter,
		StartTime: time.Unix(start, 0).UTC(),
		Kind:      fields[0],
		WorkerID:  fields[1],
		Owner:     fields[2],
	}, nil
}

func escapeField(s string) string {
	if !strings.ContainsAny(s, `:/\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case ':', '/', '\\':
			fmt.Fprintf(&b, `\x%02x`, c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func unescapeField(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		if i+4 > len(s) || s[i+1] != 'x' {
			return "", fmt.Errorf("bad escape in %q", s)
		}
		v, err := strconv.ParseUint(s[i+2:i+4], 16, 8)
		if err != nil {
			return "", fmt.Errorf("bad escape in %q: %w", s, err)
		}
		b.WriteByte(byte(v))
		i += 3
	}
	return b.String(), nil
}
