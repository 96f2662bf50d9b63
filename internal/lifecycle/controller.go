// Package lifecycle orchestrates plugin state transitions. The
// Controller is the only writer of registry state and the single entry
// point for upload, install, uninstall, and delete; everything else in
// the system serves it.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/wardenhost/warden/internal/broker"
	"github.com/wardenhost/warden/internal/event"
	"github.com/wardenhost/warden/internal/identity"
	"github.com/wardenhost/warden/internal/loader"
	"github.com/wardenhost/warden/internal/manifest"
	"github.com/wardenhost/warden/internal/registry"
	"github.com/wardenhost/warden/internal/storage"
)

// EventType classifies controller notifications.
type EventType int

const (
	EventUploaded EventType = iota
	EventInstalled
	EventUninstalled
	EventDeleted
	EventFailed
)

func (t EventType) String() string {
	switch t {
	case EventUploaded:
		return "uploaded"
	case EventInstalled:
		return "installed"
	case EventUninstalled:
		return "uninstalled"
	case EventDeleted:
		return "deleted"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is one lifecycle notification delivered to observers, so the
// host UI can refresh its menu/widget aggregates.
type Event struct {
	Type   EventType
	Plugin string
	Err    error
}

// Observer receives lifecycle notifications. Called synchronously after
// the transition commits.
type Observer func(Event)

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// WithStore sets the storage backend shared by all plugin namespaces.
func WithStore(s storage.Store) Option {
	return func(c *Controller) { c.store = s }
}

// WithIdentity sets the identity provider brokered to plugins.
func WithIdentity(p identity.Provider) Option {
	return func(c *Controller) { c.identity = p }
}

// WithNavigator sets the host routing surface brokered to plugins.
func WithNavigator(n broker.Navigator) Option {
	return func(c *Controller) { c.nav = n }
}

// WithNotifier sets the host notification surface brokered to plugins.
func WithNotifier(n broker.Notifier) Option {
	return func(c *Controller) { c.notify = n }
}

// WithInstructionLimit bounds Lua execution per plugin call.
func WithInstructionLimit(limit int64) Option {
	return func(c *Controller) { c.instructionLimit = limit }
}

// WithObserver registers an observer at construction.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observers = append(c.observers, o) }
}

// Controller owns the registry and drives every plugin transition.
type Controller struct {
	hostVersion *semver.Version
	reg         *registry.Registry
	bus         *event.Bus
	store       storage.Store
	identity    identity.Provider
	nav         broker.Navigator
	notify      broker.Notifier
	log         *slog.Logger

	instructionLimit int64

	mu        sync.Mutex
	inflight  map[string]string // plugin id -> operation name
	contexts  map[string]*broker.Context
	observers []Observer
}

// New builds a Controller for a host at hostVersion (a semantic version
// the manifests' coreVersion ranges are checked against).
func New(hostVersion string, opts ...Option) (*Controller, error) {
	hv, err := semver.NewVersion(hostVersion)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: host version %q: %w", hostVersion, err)
	}
	c := &Controller{
		hostVersion: hv,
		reg:         registry.New(),
		inflight:    make(map[string]string),
		contexts:    make(map[string]*broker.Context),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.store == nil {
		c.store = storage.NewMemory()
	}
	if c.identity == nil {
		c.identity = identity.Anonymous()
	}
	c.bus = event.New(event.WithLogger(c.log))
	return c, nil
}

// Registry exposes the read side: records, states, aggregates.
func (c *Controller) Registry() *registry.Registry { return c.reg }

// Bus exposes the shared event bus, for host components that emit or
// observe plugin events.
func (c *Controller) Bus() *event.Bus { return c.bus }

// Subscribe registers an observer for lifecycle notifications.
func (c *Controller) Subscribe(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

func (c *Controller) notifyObservers(ev Event) {
	c.mu.Lock()
	obs := make([]Observer, len(c.observers))
	copy(obs, c.observers)
	c.mu.Unlock()
	for _, o := range obs {
		o(ev)
	}
}

// begin marks id as having an operation in flight. A second operation
// for the same id is rejected, not queued.
func (c *Controller) begin(id, op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, busy := c.inflight[id]; busy {
		return &ConflictError{Plugin: id, Op: op, Reason: cur + " already in flight"}
	}
	c.inflight[id] = op
	return nil
}

func (c *Controller) end(id string) {
	c.mu.Lock()
	delete(c.inflight, id)
	c.mu.Unlock()
}

// Upload validates a manifest document and records the plugin as
// UPLOADED. Validation defects come back in the slice with a nil
// record; a duplicate id is a ConflictError.
func (c *Controller) Upload(ctx context.Context, doc, module []byte) (*manifest.Manifest, []manifest.ValidationError, error) {
	m, verrs := manifest.Validate(doc)
	if len(verrs) > 0 {
		return nil, verrs, nil
	}

	if err := c.begin(m.ID, "upload"); err != nil {
		return nil, nil, err
	}
	defer c.end(m.ID)

	if c.reg.Has(m.ID) {
		return nil, nil, &ConflictError{Plugin: m.ID, Op: "upload", Reason: "id already registered"}
	}
	if _, err := c.reg.Add(m, module); err != nil {
		return nil, nil, err
	}
	c.log.Info("plugin uploaded", "plugin", m.ID, "version", m.Version)
	c.notifyObservers(Event{Type: EventUploaded, Plugin: m.ID})
	return m, nil, nil
}

// Install transitions a plugin to INSTALLED: dependency resolution,
// export binding, onInstall hook, commit — in that order, with any
// failure after the state check rolling the record to FAILED. A plugin
// never becomes observable as INSTALLED with a half-finished install.
func (c *Controller) Install(ctx context.Context, id string) error {
	if err := c.begin(id, "install"); err != nil {
		return err
	}
	defer c.end(id)

	rec, ok := c.reg.Get(id)
	if !ok {
		return fmt.Errorf("install %s: %w", id, registry.ErrNotFound)
	}
	if rec.State == registry.StateInstalled {
		return stateConflict(id, "install", rec.State)
	}

	if err := c.checkDependencies(rec.Manifest); err != nil {
		c.fail(id, err)
		return err
	}

	bctx := broker.New(rec.Manifest, broker.Deps{
		Identity: c.identity,
		Nav:      c.nav,
		Notify:   c.notify,
		Store:    c.store,
		Bus:      c.bus,
		Log:      c.log,
	})

	opts := []loader.Option{loader.WithBootstrap(bctx.Bootstrap())}
	if c.instructionLimit > 0 {
		opts = append(opts, loader.WithInstructionLimit(c.instructionLimit))
	}
	binding, err := loader.Load(rec.Source, rec.Manifest, opts...)
	if err != nil {
		bctx.ReleaseSubscriptions()
		c.fail(id, err)
		return err
	}

	// Reinstall of a previously installed record runs onUpdate when
	// declared; first install runs onInstall.
	hook := manifest.HookInstall
	if !rec.InstalledAt.IsZero() && rec.Manifest.Hooks.OnUpdate {
		hook = manifest.HookUpdate
	}
	if err := c.runHook(bctx, binding, hook); err != nil {
		binding.Close()
		bctx.ReleaseSubscriptions()
		c.fail(id, err)
		return err
	}

	if err := c.reg.SetBinding(id, binding); err != nil {
		binding.Close()
		bctx.ReleaseSubscriptions()
		c.fail(id, err)
		return err
	}
	if err := c.reg.SetState(id, registry.StateInstalled, ""); err != nil {
		return err
	}
	c.mu.Lock()
	c.contexts[id] = bctx
	c.mu.Unlock()
	c.log.Info("plugin installed", "plugin", id, "version", rec.Manifest.Version)
	c.notifyObservers(Event{Type: EventInstalled, Plugin: id})
	return nil
}

// checkDependencies verifies the host version against coreVersion and
// every plugins dependency against the registry, collecting all unmet
// requirements into one DependencyError.
func (c *Controller) checkDependencies(m *manifest.Manifest) error {
	var unmet []string

	core, err := m.CoreConstraint()
	if err != nil {
		unmet = append(unmet, fmt.Sprintf("coreVersion %q: %v", m.CoreVersion, err))
	} else if !core.Check(c.hostVersion) {
		unmet = append(unmet, fmt.Sprintf("coreVersion %s (host is %s)", m.CoreVersion, c.hostVersion))
	}

	refs, err := m.PluginRefs()
	if err != nil {
		unmet = append(unmet, err.Error())
	}
	for _, ref := range refs {
		dep, ok := c.reg.Get(ref.ID)
		if !ok {
			unmet = append(unmet, fmt.Sprintf("%s (not registered)", ref.Raw))
			continue
		}
		v, err := dep.Manifest.SemVersion()
		if err != nil {
			unmet = append(unmet, fmt.Sprintf("%s (invalid version %q)", ref.Raw, dep.Manifest.Version))
			continue
		}
		if !ref.Range.Check(v) {
			unmet = append(unmet, fmt.Sprintf("%s (registered version is %s)", ref.Raw, dep.Manifest.Version))
		}
	}

	if cycle := c.detectCycle(m.ID); cycle != nil {
		unmet = append(unmet, "dependency cycle: "+strings.Join(cycle, " -> "))
	}

	if len(unmet) > 0 {
		return &DependencyError{Plugin: m.ID, Unmet: unmet}
	}
	return nil
}

// detectCycle walks the declared dependency graph from start and
// returns the cycle path when start participates in one. Edges follow
// dependencies.plugins ids of registered records; unregistered ids are
// reported as unmet elsewhere and terminate the walk.
func (c *Controller) detectCycle(start string) []string {
	var walk func(id string, path []string) []string
	walk = func(id string, path []string) []string {
		for i, seen := range path {
			if seen == id {
				return append(path[i:], id)
			}
		}
		rec, ok := c.reg.Get(id)
		if !ok {
			return nil
		}
		refs, err := rec.Manifest.PluginRefs()
		if err != nil {
			return nil
		}
		path = append(path, id)
		for _, ref := range refs {
			if cycle := walk(ref.ID, path); cycle != nil {
				return cycle
			}
		}
		return nil
	}
	return walk(start, nil)
}

// runHook invokes one declared lifecycle hook with the plugin's host
// capability table as argument. Undeclared hooks are skipped.
func (c *Controller) runHook(bctx *broker.Context, binding *loader.Binding, hook string) error {
	export, ok := binding.Hooks[hook]
	if !ok {
		return nil
	}
	if _, err := export.Call(bctx.HostValue()); err != nil {
		return &HookError{Plugin: binding.Plugin, Hook: hook, Err: err}
	}
	return nil
}

// fail rolls a record to FAILED, retaining the error text for operators.
func (c *Controller) fail(id string, cause error) {
	c.log.Warn("plugin install failed", "plugin", id, "err", cause)
	if err := c.reg.SetState(id, registry.StateFailed, cause.Error()); err != nil {
		c.log.Error("state rollback failed", "plugin", id, "err", err)
	}
	c.notifyObservers(Event{Type: EventFailed, Plugin: id, Err: cause})
}

// Uninstall transitions an INSTALLED plugin to UNINSTALLED. The
// onUninstall hook is best-effort: a failure is logged and the
// transition completes anyway, so a broken hook cannot wedge a plugin
// in INSTALLED. Storage and the record survive for reinstall.
func (c *Controller) Uninstall(ctx context.Context, id string) error {
	if err := c.begin(id, "uninstall"); err != nil {
		return err
	}
	defer c.end(id)

	rec, ok := c.reg.Get(id)
	if !ok {
		return fmt.Errorf("uninstall %s: %w", id, registry.ErrNotFound)
	}
	if rec.State != registry.StateInstalled {
		return stateConflict(id, "uninstall", rec.State)
	}

	c.mu.Lock()
	bctx := c.contexts[id]
	delete(c.contexts, id)
	c.mu.Unlock()

	if binding, ok := c.reg.Binding(id); ok && bctx != nil {
		if err := c.runHook(bctx, binding, manifest.HookUninstall); err != nil {
			c.log.Warn("uninstall hook failed, continuing", "plugin", id, "err", err)
		}
	}
	if bctx != nil {
		released := bctx.ReleaseSubscriptions()
		c.log.Debug("released subscriptions", "plugin", id, "count", released)
	} else {
		c.bus.ReleaseOwner(id)
	}
	c.reg.ClearBinding(id)

	if err := c.reg.SetState(id, registry.StateUninstalled, ""); err != nil {
		return err
	}
	c.log.Info("plugin uninstalled", "plugin", id)
	c.notifyObservers(Event{Type: EventUninstalled, Plugin: id})
	return nil
}

// Delete removes a plugin record entirely, purging its storage
// namespace and any remaining subscriptions. An INSTALLED plugin must
// be uninstalled first.
func (c *Controller) Delete(ctx context.Context, id string) error {
	if err := c.begin(id, "delete"); err != nil {
		return err
	}
	defer c.end(id)

	rec, ok := c.reg.Get(id)
	if !ok {
		return fmt.Errorf("delete %s: %w", id, registry.ErrNotFound)
	}
	if rec.State == registry.StateInstalled {
		return stateConflict(id, "delete", rec.State)
	}

	c.bus.ReleaseOwner(id)
	c.mu.Lock()
	delete(c.contexts, id)
	c.mu.Unlock()

	scoped := storage.NewScoped(id, c.store)
	if _, err := scoped.Clear(ctx); err != nil {
		return fmt.Errorf("delete %s: purge storage: %w", id, err)
	}
	if err := c.reg.Remove(id); err != nil {
		return err
	}
	c.log.Info("plugin deleted", "plugin", id)
	c.notifyObservers(Event{Type: EventDeleted, Plugin: id})
	return nil
}

// List returns plugin records, optionally filtered by state.
func (c *Controller) List(states ...registry.State) []registry.Record {
	return c.reg.List(states...)
}

// Aggregates is the installed-plugin surface the host UI consumes.
type Aggregates struct {
	Menus   map[manifest.MenuType][]registry.MenuEntry
	Widgets map[manifest.Slot][]registry.WidgetEntry
	Routes  []registry.RouteEntry
}

// GetInstalled returns the aggregated menu, widget, and route lists of
// every INSTALLED plugin.
func (c *Controller) GetInstalled() Aggregates {
	agg := Aggregates{
		Menus:   make(map[manifest.MenuType][]registry.MenuEntry),
		Widgets: make(map[manifest.Slot][]registry.WidgetEntry),
		Routes:  c.reg.Routes(),
	}
	for _, t := range []manifest.MenuType{manifest.MenuMain, manifest.MenuAdmin} {
		if menus := c.reg.Menus(t); len(menus) > 0 {
			agg.Menus[t] = menus
		}
	}
	for _, s := range []manifest.Slot{
		manifest.SlotDashboardTop,
		manifest.SlotDashboardStats,
		manifest.SlotDashboardSidebar,
		manifest.SlotDashboardMain,
	} {
		if widgets := c.reg.Widgets(s); len(widgets) > 0 {
			agg.Widgets[s] = widgets
		}
	}
	return agg
}

// Context returns the capability context issued to an installed plugin,
// for host components acting on its behalf.
func (c *Controller) Context(id string) (*broker.Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bctx, ok := c.contexts[id]
	return bctx, ok
}

// Close uninstalls nothing but releases every loaded runtime and
// subscription. Used on host shutdown.
func (c *Controller) Close() error {
	c.mu.Lock()
	contexts := c.contexts
	c.contexts = make(map[string]*broker.Context)
	c.mu.Unlock()

	for _, bctx := range contexts {
		bctx.ReleaseSubscriptions()
	}
	c.reg.Reset()
	c.bus.Reset()
	return nil
}
