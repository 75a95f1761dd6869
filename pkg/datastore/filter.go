package datastore

import (
	"errors"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrInvalidPattern is returned when a group pattern cannot be compiled.
var ErrInvalidPattern = errors.New("invalid group pattern")

// PatternError wraps pattern-related errors with context.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// Filter narrows snapshot enumeration to a namespace and a set of backup groups.
//
// The zero Filter matches every snapshot in the root namespace and all
// namespaces below it.
type Filter struct {
	// Namespace restricts enumeration to this namespace and its children.
	// Empty means the root namespace.
	Namespace string

	// Groups are doublestar patterns matched against "<type>/<id>".
	// Empty means all groups.
	Groups []string
}

// Validate checks that all group patterns compile.
func (f Filter) Validate() error {
	for _, raw := range f.Groups {
		if !doublestar.ValidatePattern(strings.TrimSpace(raw)) {
			return &PatternError{Pattern: raw, Err: ErrInvalidPattern}
		}
	}
	return nil
}

// MatchNamespace reports whether ns equals the filter namespace or lies below it.
func (f Filter) MatchNamespace(ns string) bool {
	want := strings.Trim(f.Namespace, "/")
	ns = strings.Trim(ns, "/")
	if want == "" || ns == want {
		return true
	}
	return strings.HasPrefix(ns, want+"/")
}

// MatchGroup reports whether the backup group "<type>/<id>" is selected.
func (f Filter) MatchGroup(backupType, backupID string) bool {
	if len(f.Groups) == 0 {
		return true
	}
	group := backupType + "/" + backupID
	for _, raw := range f.Groups {
		ok, err := doublestar.Match(strings.TrimSpace(raw), group)
		if err == nil && ok {
			return true
		}
	}
	return false
}

// Match reports whether the snapshot identified by dir passes the filter.
func (f Filter) Match(dir BackupDir) bool {
	return f.MatchNamespace(dir.Namespace) && f.MatchGroup(dir.Type, dir.ID)
}
