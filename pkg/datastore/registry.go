package datastore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MaintenanceMode is the maintenance state of a datastore.
type MaintenanceMode string

const (
	MaintenanceNone     MaintenanceMode = ""
	MaintenanceReadOnly MaintenanceMode = "read-only"
	MaintenanceOffline  MaintenanceMode = "offline"
)

// ParseMaintenanceMode validates a configured maintenance mode.
func ParseMaintenanceMode(s string) (MaintenanceMode, error) {
	switch mode := MaintenanceMode(strings.ToLower(strings.TrimSpace(s))); mode {
	case MaintenanceNone, MaintenanceReadOnly, MaintenanceOffline:
		return mode, nil
	default:
		return MaintenanceNone, fmt.Errorf("invalid maintenance mode %q (expected read-only or offline)", s)
	}
}

type registered struct {
	handle      Handle
	maintenance MaintenanceMode
}

// Registry is an in-memory Lookup over configured datastores.
//
// Verification only reads snapshot data, so read-only maintenance does not
// block lookups; offline maintenance does.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]registered
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]registered)}
}

// Register adds a datastore handle under its name.
func (r *Registry) Register(h Handle, mode MaintenanceMode) error {
	if h == nil {
		return fmt.Errorf("datastore handle is nil")
	}
	name := strings.TrimSpace(h.Name())
	if name == "" {
		return fmt.Errorf("datastore name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stores[name]; ok {
		return fmt.Errorf("datastore %q registered twice", name)
	}
	r.stores[name] = registered{handle: h, maintenance: mode}
	return nil
}

// SetMaintenance changes the maintenance mode of a registered datastore.
func (r *Registry) SetMaintenance(name string, mode MaintenanceMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.stores[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	entry.maintenance = mode
	r.stores[name] = entry
	return nil
}

// Maintenance returns the maintenance mode of a registered datastore.
func (r *Registry) Maintenance(name string) (MaintenanceMode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.stores[name]
	if !ok {
		return MaintenanceNone, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return entry.maintenance, nil
}

// Lookup implements Lookup.
func (r *Registry) Lookup(ctx context.Context, name string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	entry, ok := r.stores[strings.TrimSpace(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if entry.maintenance == MaintenanceOffline {
		return nil, fmt.Errorf("%w: %s is in offline maintenance", ErrUnavailable, name)
	}
	return entry.handle, nil
}

// Names returns the registered datastore names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.stores))
	for name := range r.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
