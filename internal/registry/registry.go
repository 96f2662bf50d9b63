// Package registry holds the authoritative in-memory index of all known
// plugins and their lifecycle state, and aggregates their contributions
// into the menu/widget/route lists the host UI consumes.
//
// Ownership: the lifecycle controller is the only mutator of records;
// every other component reads snapshots. The registry itself never runs
// hooks or touches storage.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wardenhost/warden/internal/loader"
	"github.com/wardenhost/warden/internal/manifest"
)

// Registry errors.
var (
	// ErrDuplicateID is returned when registering an id that already
	// exists among non-deleted records.
	ErrDuplicateID = errors.New("registry: plugin id already registered")

	// ErrNotFound is returned when no record exists for an id.
	ErrNotFound = errors.New("registry: plugin not found")
)

// State is the lifecycle state of a plugin record. Deletion removes the
// record entirely; it is not a state.
type State int

// Plugin states.
const (
	// StateUploaded - manifest validated, code not bound.
	StateUploaded State = iota

	// StateInstalled - code bound, hooks run, contributions published.
	StateInstalled

	// StateFailed - an install step errored; LastError holds the cause.
	StateFailed

	// StateUninstalled - code unbound, storage retained.
	StateUninstalled
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateUploaded:
		return "uploaded"
	case StateInstalled:
		return "installed"
	case StateFailed:
		return "failed"
	case StateUninstalled:
		return "uninstalled"
	default:
		return "unknown"
	}
}

// Record is the registry's unit of truth for one plugin.
type Record struct {
	Manifest    *manifest.Manifest
	State       State
	InstalledAt time.Time // zero until first successful install
	LastError   string    // cause of the most recent FAILED transition

	// Source is the plugin's entry module, retained from upload so
	// install and reinstall can rebind it.
	Source []byte
}

// Registry is the plugin index. The zero value is not usable; call New.
type Registry struct {
	mu       sync.RWMutex
	records  map[string]*Record
	bindings map[string]*loader.Binding
	order    []string // insertion order, for deterministic aggregation
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		records:  make(map[string]*Record),
		bindings: make(map[string]*loader.Binding),
	}
}

// Reset drops every record and closes every binding. For tests and host
// teardown.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.bindings {
		b.Close()
	}
	r.records = make(map[string]*Record)
	r.bindings = make(map[string]*loader.Binding)
	r.order = nil
}

// Add registers a freshly validated manifest in state UPLOADED.
func (r *Registry) Add(m *manifest.Manifest, source []byte) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[m.ID]; exists {
		return Record{}, fmt.Errorf("%w: %s", ErrDuplicateID, m.ID)
	}

	rec := &Record{Manifest: m, State: StateUploaded, Source: source}
	r.records[m.ID] = rec
	r.order = append(r.order, m.ID)
	return *rec, nil
}

// Has reports whether a non-deleted record exists for id.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[id]
	return ok
}

// Get returns a snapshot of the record for id.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// List returns record snapshots in insertion order, optionally filtered
// by state.
func (r *Registry) List(states ...State) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var filter map[State]bool
	if len(states) > 0 {
		filter = make(map[State]bool, len(states))
		for _, s := range states {
			filter[s] = true
		}
	}

	out := make([]Record, 0, len(r.order))
	for _, id := range r.order {
		rec := r.records[id]
		if filter != nil && !filter[rec.State] {
			continue
		}
		out = append(out, *rec)
	}
	return out
}

// SetState transitions a record. Only the lifecycle controller calls
// this. lastError is recorded verbatim for FAILED transitions and
// cleared otherwise.
func (r *Registry) SetState(id string, state State, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.State = state
	rec.LastError = lastError
	if state == StateInstalled {
		rec.InstalledAt = time.Now().UTC()
	}
	return nil
}

// SetBinding attaches a successful load's binding to the record,
// replacing (and closing) any previous one.
func (r *Registry) SetBinding(id string, b *loader.Binding) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if prev, ok := r.bindings[id]; ok {
		prev.Close()
	}
	r.bindings[id] = b
	return nil
}

// Binding returns the live binding for id, if any.
func (r *Registry) Binding(id string) (*loader.Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[id]
	return b, ok
}

// ClearBinding detaches and closes the binding for id, if any.
func (r *Registry) ClearBinding(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.bindings[id]; ok {
		b.Close()
		delete(r.bindings, id)
	}
}

// Remove deletes the record and closes its binding. The caller purges
// storage and subscriptions.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if b, ok := r.bindings[id]; ok {
		b.Close()
		delete(r.bindings, id)
	}
	delete(r.records, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// MenuEntry is one aggregated menu item with its contributing plugin.
type MenuEntry struct {
	PluginID string
	manifest.MenuItem
}

// WidgetEntry is one aggregated widget with its resolved component.
type WidgetEntry struct {
	PluginID  string
	Component *loader.Export
	manifest.Widget
}

// RouteEntry is one plugin's default route component.
type RouteEntry struct {
	PluginID  string
	Path      string
	Component *loader.Export
}

// Menus returns the aggregated menu list of the given type across
// installed plugins, sorted by Order with ties broken by insertion
// order.
func (r *Registry) Menus(t manifest.MenuType) []MenuEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []MenuEntry
	for _, id := range r.order {
		rec := r.records[id]
		if rec.State != StateInstalled {
			continue
		}
		for _, item := range rec.Manifest.Menus {
			if item.Type == t {
				out = append(out, MenuEntry{PluginID: id, MenuItem: item})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Widgets returns the aggregated widget list for the given slot across
// installed plugins, sorted by Order with ties broken by insertion
// order. Components come from the pre-validated binding table.
func (r *Registry) Widgets(slot manifest.Slot) []WidgetEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []WidgetEntry
	for _, id := range r.order {
		rec := r.records[id]
		if rec.State != StateInstalled {
			continue
		}
		binding := r.bindings[id]
		for _, w := range rec.Manifest.Widgets {
			if w.Slot != slot {
				continue
			}
			entry := WidgetEntry{PluginID: id, Widget: w}
			if binding != nil {
				entry.Component = binding.Named[w.Component]
			}
			out = append(out, entry)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Routes returns the default route component of every installed plugin
// that exports one, in insertion order.
func (r *Registry) Routes() []RouteEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []RouteEntry
	for _, id := range r.order {
		rec := r.records[id]
		if rec.State != StateInstalled {
			continue
		}
		b := r.bindings[id]
		if b == nil || b.Default == nil {
			continue
		}
		out = append(out, RouteEntry{
			PluginID: id,
			// Trailing slash keeps the path navigable: plugin routes
			// are /plugins/{id}/... and the broker holds that shape.
			Path:      "/plugins/" + id + "/",
			Component: b.Default,
		})
	}
	return out
}

// Component looks up a resolved component reference in a plugin's
// binding table.
func (r *Registry) Component(pluginID, name string) (*loader.Export, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bindings[pluginID]
	if !ok {
		return nil, false
	}
	exp, ok := b.Named[name]
	return exp, ok
}
