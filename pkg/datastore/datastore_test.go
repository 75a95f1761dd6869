package datastore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupDir_String(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		dir  BackupDir
		want string
	}{
		{"root namespace", BackupDir{Type: "vm", ID: "100", Time: ts}, "vm/100/2026-03-01T10:30:00Z"},
		{"single namespace", BackupDir{Namespace: "prod", Type: "ct", ID: "web", Time: ts}, "ns/prod/ct/web/2026-03-01T10:30:00Z"},
		{"nested namespace", BackupDir{Namespace: "prod/eu", Type: "host", ID: "db1", Time: ts}, "ns/prod/ns/eu/host/db1/2026-03-01T10:30:00Z"},
		{"local time normalized", BackupDir{Type: "vm", ID: "1", Time: ts.In(time.FixedZone("x", 3600))}, "vm/1/2026-03-01T10:30:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.dir.String())
		})
	}
}

func TestFilter_Match(t *testing.T) {
	ts := time.Now()
	tests := []struct {
		name   string
		filter Filter
		dir    BackupDir
		want   bool
	}{
		{"zero filter matches root", Filter{}, BackupDir{Type: "vm", ID: "1", Time: ts}, true},
		{"zero filter matches namespaces", Filter{}, BackupDir{Namespace: "a/b", Type: "vm", ID: "1", Time: ts}, true},
		{"namespace exact", Filter{Namespace: "a"}, BackupDir{Namespace: "a", Type: "vm", ID: "1"}, true},
		{"namespace child", Filter{Namespace: "a"}, BackupDir{Namespace: "a/b", Type: "vm", ID: "1"}, true},
		{"namespace sibling prefix", Filter{Namespace: "a"}, BackupDir{Namespace: "ab", Type: "vm", ID: "1"}, false},
		{"namespace excludes root", Filter{Namespace: "a"}, BackupDir{Type: "vm", ID: "1"}, false},
		{"group glob", Filter{Groups: []string{"vm/*"}}, BackupDir{Type: "vm", ID: "100"}, true},
		{"group glob miss", Filter{Groups: []string{"vm/*"}}, BackupDir{Type: "ct", ID: "100"}, false},
		{"group any of", Filter{Groups: []string{"ct/web", "host/**"}}, BackupDir{Type: "host", ID: "db"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Match(tt.dir))
		})
	}
}

func TestFilter_Validate(t *testing.T) {
	require.NoError(t, Filter{Groups: []string{"vm/*", "ct/{a,b}"}}.Validate())

	err := Filter{Groups: []string{"vm/[abc"}}.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPattern)
	var pe *PatternError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "vm/[abc", pe.Pattern)
}

func TestMachineryError(t *testing.T) {
	cause := errors.New("disk gone")
	err := Machinery("tank", "list", cause)

	assert.True(t, IsMachinery(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "datastore tank: list: disk gone", err.Error())

	wrapped := fmt.Errorf("verify: %w", err)
	assert.True(t, IsMachinery(wrapped))
	assert.Same(t, err, Machinery("tank", "verify", err), "already classified errors are not wrapped twice")

	assert.Nil(t, Machinery("tank", "list", nil))
	assert.False(t, IsMachinery(cause))
}

type stubHandle struct{ name string }

func (s stubHandle) Name() string { return s.name }
func (s stubHandle) Snapshots(context.Context, Filter) iter.Seq2[*Manifest, error] {
	return func(func(*Manifest, error) bool) {}
}
func (s stubHandle) Verify(context.Context, *Manifest, string) error { return nil }

func TestRegistry_Lookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubHandle{name: "tank"}, MaintenanceNone))
	require.NoError(t, r.Register(stubHandle{name: "archive"}, MaintenanceReadOnly))
	require.NoError(t, r.Register(stubHandle{name: "cold"}, MaintenanceOffline))

	ctx := context.Background()

	h, err := r.Lookup(ctx, "tank")
	require.NoError(t, err)
	assert.Equal(t, "tank", h.Name())

	_, err = r.Lookup(ctx, "archive")
	require.NoError(t, err, "read-only maintenance still allows verification")

	_, err = r.Lookup(ctx, "cold")
	assert.True(t, IsUnavailable(err))

	_, err = r.Lookup(ctx, "nosuchstore")
	assert.True(t, IsNotFound(err))

	require.NoError(t, r.SetMaintenance("cold", MaintenanceNone))
	_, err = r.Lookup(ctx, "cold")
	require.NoError(t, err)

	assert.Equal(t, []string{"archive", "cold", "tank"}, r.Names())
}

func TestRegistry_RegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubHandle{name: "tank"}, MaintenanceNone))
	require.Error(t, r.Register(stubHandle{name: "tank"}, MaintenanceNone))
	require.Error(t, r.Register(stubHandle{name: " "}, MaintenanceNone))
	require.Error(t, r.Register(nil, MaintenanceNone))
}

func TestParseMaintenanceMode(t *testing.T) {
	mode, err := ParseMaintenanceMode(" Offline ")
	require.NoError(t, err)
	assert.Equal(t, MaintenanceOffline, mode)

	mode, err = ParseMaintenanceMode("")
	require.NoError(t, err)
	assert.Equal(t, MaintenanceNone, mode)

	_, err = ParseMaintenanceMode("delete")
	require.Error(t, err)
}
