// Package broker issues per-plugin capability contexts: the sole channel
// through which loaded plugin code reaches host capabilities (identity,
// navigation, notifications, scoped storage, events).
//
// A Context is constructed with its plugin's id and manifest baked in;
// the plugin can never change either. Construction never fails on
// missing permissions — gating happens per call, so the host UI can show
// a denied affordance instead of crashing plugin code. Storage, event,
// and notification operations never propagate errors to plugin code;
// they degrade to no-ops with host-side logging.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/wardenhost/warden/internal/event"
	"github.com/wardenhost/warden/internal/identity"
	"github.com/wardenhost/warden/internal/manifest"
	"github.com/wardenhost/warden/internal/storage"
)

// Broker errors.
var (
	// ErrPermissionDenied is returned by gated calls when the current
	// identity does not hold the plugin's required permissions.
	ErrPermissionDenied = errors.New("broker: permission denied")

	// ErrRouteRejected is returned by NavigateTo for paths that are
	// neither host routes nor plugin routes.
	ErrRouteRejected = errors.New("broker: route rejected")
)

// Navigator is the host routing surface the broker delegates to.
type Navigator interface {
	// NavigateTo moves the host UI to an already-validated path.
	NavigateTo(path string) error

	// NavigateBack returns to the previous location.
	NavigateBack()

	// IsHostRoute reports whether path is a global host route.
	IsHostRoute(path string) bool
}

// Notifier is the host presentation surface for toast notifications.
type Notifier interface {
	ShowSuccess(msg string)
	ShowError(msg string)
	ShowWarning(msg string)
	ShowInfo(msg string)
}

// Deps carries the host collaborators a Context mediates access to.
// Navigator and Notifier may be nil; the affected calls degrade to
// logged no-ops.
type Deps struct {
	Identity identity.Provider
	Nav      Navigator
	Notify   Notifier
	Store    storage.Store
	Bus      *event.Bus
	Log      *slog.Logger
}

// Context is one plugin's capability facade.
type Context struct {
	pluginID string
	manifest *manifest.Manifest

	identity identity.Provider
	nav      Navigator
	notify   Notifier
	store    *storage.Scoped
	bus      *event.Bus
	log      *slog.Logger

	mu   sync.Mutex
	subs map[string]*event.Subscription // disposers owned by this plugin
	lua  *luaBinding                    // set when bound into a Lua state
}

// New issues the Context for a plugin. The manifest is the validated,
// immutable manifest the registry holds.
func New(m *manifest.Manifest, deps Deps) *Context {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Context{
		pluginID: m.ID,
		manifest: m,
		identity: deps.Identity,
		nav:      deps.Nav,
		notify:   deps.Notify,
		store:    storage.NewScoped(m.ID, deps.Store),
		bus:      deps.Bus,
		log:      log.With("plugin", m.ID),
	}
}

// PluginID returns the owning plugin id.
func (c *Context) PluginID() string { return c.pluginID }

// facts returns the current identity snapshot, empty when no provider
// is wired.
func (c *Context) facts() identity.Facts {
	if c.identity == nil {
		return identity.Facts{}
	}
	return c.identity.Current()
}

// allowed reports whether the current identity holds every permission
// the manifest requires. Vacuously true when none are declared.
func (c *Context) allowed() bool {
	required := c.manifest.Permissions.Required
	if len(required) == 0 {
		return true
	}
	return c.facts().HasAllPermissions(required...)
}

// HasRole reports whether the current identity holds role. Never fails;
// false for a missing or unauthenticated identity.
func (c *Context) HasRole(role string) bool {
	return c.facts().HasRole(role)
}

// HasPermission reports whether the current identity holds permission.
func (c *Context) HasPermission(permission string) bool {
	return c.facts().HasPermission(permission)
}

// HasAnyRole reports whether the current identity holds at least one of
// roles.
func (c *Context) HasAnyRole(roles ...string) bool {
	return c.facts().HasAnyRole(roles...)
}

// HasAllRoles reports whether the current identity holds every role.
func (c *Context) HasAllRoles(roles ...string) bool {
	return c.facts().HasAllRoles(roles...)
}

// validRoute reports whether path is a global host route or a plugin
// route (/plugins/{anyId}/...). Cross-plugin navigation is allowed;
// anything else — external URLs included — is rejected.
func (c *Context) validRoute(path string) bool {
	if c.nav != nil && c.nav.IsHostRoute(path) {
		return true
	}
	rest, ok := strings.CutPrefix(path, "/plugins/")
	if !ok {
		return false
	}
	id, _, ok := strings.Cut(rest, "/")
	return ok && id != ""
}

// NavigateTo asks the host to navigate to path. Gated by the plugin's
// required permissions and by route validity.
func (c *Context) NavigateTo(path string) error {
	if !c.allowed() {
		return fmt.Errorf("%w: navigateTo requires %v", ErrPermissionDenied, c.manifest.Permissions.Required)
	}
	if !c.validRoute(path) {
		return fmt.Errorf("%w: %q", ErrRouteRejected, path)
	}
	if c.nav == nil {
		c.log.Warn("navigation unavailable, dropping navigateTo", "path", path)
		return nil
	}
	return c.nav.NavigateTo(path)
}

// NavigateBack returns to the previous location. Fire-and-forget.
func (c *Context) NavigateBack() {
	if c.nav == nil {
		c.log.Warn("navigation unavailable, dropping navigateBack")
		return
	}
	c.nav.NavigateBack()
}

// notifyCall runs one notifier method, degrading to a log line when the
// presentation layer is unavailable or panics. Notifications never fail
// the caller.
func (c *Context) notifyCall(level, msg string, fn func(Notifier, string)) {
	if c.notify == nil {
		c.log.Info("notification (no presenter)", "level", level, "msg", msg)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn("notifier panicked", "level", level, "panic", r)
		}
	}()
	fn(c.notify, msg)
}

// ShowSuccess shows a success notification.
func (c *Context) ShowSuccess(msg string) {
	c.notifyCall("success", msg, (Notifier).ShowSuccess)
}

// ShowError shows an error notification.
func (c *Context) ShowError(msg string) {
	c.notifyCall("error", msg, (Notifier).ShowError)
}

// ShowWarning shows a warning notification.
func (c *Context) ShowWarning(msg string) {
	c.notifyCall("warning", msg, (Notifier).ShowWarning)
}

// ShowInfo shows an info notification.
func (c *Context) ShowInfo(msg string) {
	c.notifyCall("info", msg, (Notifier).ShowInfo)
}

// GetPluginData returns the value stored under key in this plugin's
// namespace. The second return is false when absent, denied, or failed.
func (c *Context) GetPluginData(ctx context.Context, key string) ([]byte, bool) {
	if !c.allowed() {
		c.log.Warn("storage read denied", "key", key)
		return nil, false
	}
	v, err := c.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		c.log.Warn("storage read failed", "key", key, "err", err)
		return nil, false
	}
	return v, true
}

// SetPluginData stores value under key in this plugin's namespace.
// Failures degrade to logged no-ops.
func (c *Context) SetPluginData(ctx context.Context, key string, value []byte) {
	if !c.allowed() {
		c.log.Warn("storage write denied", "key", key)
		return
	}
	if err := c.store.Set(ctx, key, value); err != nil {
		c.log.Warn("storage write failed", "key", key, "err", err)
	}
}

// RemovePluginData deletes key from this plugin's namespace.
func (c *Context) RemovePluginData(ctx context.Context, key string) {
	if !c.allowed() {
		c.log.Warn("storage delete denied", "key", key)
		return
	}
	if err := c.store.Remove(ctx, key); err != nil {
		c.log.Warn("storage delete failed", "key", key, "err", err)
	}
}

// ClearPluginData removes every entry this plugin has written. Only the
// caller's namespace is touched.
func (c *Context) ClearPluginData(ctx context.Context) {
	if !c.allowed() {
		c.log.Warn("storage clear denied")
		return
	}
	if _, err := c.store.Clear(ctx); err != nil {
		c.log.Warn("storage clear failed", "err", err)
	}
}

// Storage returns the plugin's scoped storage view, for host components
// acting on the plugin's behalf.
func (c *Context) Storage() *storage.Scoped { return c.store }

// EmitEvent publishes an event. The name is rewritten to
// "{pluginId}:{name}" before publish, so a plugin cannot impersonate
// another plugin's event source.
func (c *Context) EmitEvent(name string, payload any) {
	if name == "" {
		return
	}
	if !c.allowed() {
		c.log.Warn("event emit denied", "event", name)
		return
	}
	c.bus.Emit(c.pluginID+":"+name, payload)
}

// OnEvent subscribes to a namespaced event name — any plugin's,
// including wildcard patterns — and returns a disposer. All of a
// plugin's disposers are force-invoked when it is uninstalled.
func (c *Context) OnEvent(name string, h event.Handler) func() {
	if !c.allowed() {
		c.log.Warn("event subscribe denied", "event", name)
		return func() {}
	}
	sub, err := c.bus.Subscribe(name, h, event.WithOwner(c.pluginID))
	if err != nil {
		c.log.Warn("event subscribe failed", "event", name, "err", err)
		return func() {}
	}

	c.mu.Lock()
	if c.subs == nil {
		c.subs = make(map[string]*event.Subscription)
	}
	c.subs[sub.ID()] = sub
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, sub.ID())
		c.mu.Unlock()
		sub.Cancel()
	}
}

// OffEvent removes a subscription by handler identity. Unmatched
// removal is a silent no-op. Handler identity is a code pointer, so
// prefer the disposer returned by OnEvent when closures share a
// literal.
func (c *Context) OffEvent(name string, h event.Handler) {
	c.bus.Off(name, h)
}

// ReleaseSubscriptions force-cancels every subscription this plugin
// owns, both Go- and Lua-registered. Called on uninstall and delete so
// no handler dangles over unloaded code.
func (c *Context) ReleaseSubscriptions() int {
	c.mu.Lock()
	c.subs = nil
	lb := c.lua
	c.lua = nil
	c.mu.Unlock()

	n := c.bus.ReleaseOwner(c.pluginID)
	if lb != nil {
		lb.cleanup()
	}
	return n
}
