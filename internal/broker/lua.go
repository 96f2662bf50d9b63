package broker

import (
	"context"
	"encoding/json"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/wardenhost/warden/internal/event"
	"github.com/wardenhost/warden/internal/luart"
)

// HostGlobal is the name of the capability table injected into every
// plugin state before the plugin module runs.
const HostGlobal = "host"

// luaBinding anchors the capability table and Lua event handlers inside
// one plugin state. Handlers are pinned in a table reachable from the
// host global so the Lua GC cannot collect a function the bus still
// dispatches to.
type luaBinding struct {
	ctx      *Context
	L        *lua.LState
	bridge   *luart.Bridge
	host     *lua.LTable
	handlers *lua.LTable

	mu   sync.Mutex
	subs map[string]*event.Subscription
}

// Bootstrap returns a loader bootstrap that binds this Context into the
// plugin's state as the host global. Plugin module code then sees the
// full capability table at load time.
func (c *Context) Bootstrap() func(*lua.LState) error {
	return c.Bind
}

// Bind injects the host table into L. At most one state per Context;
// rebinding replaces the previous binding and drops its subscriptions.
func (c *Context) Bind(L *lua.LState) error {
	lb := &luaBinding{
		ctx:    c,
		L:      L,
		bridge: luart.NewBridge(L),
		subs:   make(map[string]*event.Subscription),
	}
	lb.build()

	c.mu.Lock()
	prev := c.lua
	c.lua = lb
	c.mu.Unlock()

	if prev != nil {
		prev.cleanup()
	}
	L.SetGlobal(HostGlobal, lb.host)
	return nil
}

// HostValue returns the bound host table, for passing to lifecycle
// hooks as their argument. LNil when the Context is not bound.
func (c *Context) HostValue() lua.LValue {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lua == nil {
		return lua.LNil
	}
	return c.lua.host
}

// build assembles the host table: plugin info, identity queries,
// navigation, notifications, scoped storage, and events.
func (lb *luaBinding) build() {
	L := lb.L
	c := lb.ctx

	host := L.NewTable()
	lb.host = host
	lb.handlers = L.NewTable()
	// Pinned under a non-obvious key rather than a global.
	host.RawSetString("__handlers", lb.handlers)

	info := L.NewTable()
	info.RawSetString("id", lua.LString(c.manifest.ID))
	info.RawSetString("name", lua.LString(c.manifest.Name))
	info.RawSetString("version", lua.LString(c.manifest.Version))
	host.RawSetString("plugin", info)

	fns := map[string]lua.LGFunction{
		"hasRole":          lb.hasRole,
		"hasPermission":    lb.hasPermission,
		"hasAnyRole":       lb.hasAnyRole,
		"hasAllRoles":      lb.hasAllRoles,
		"navigateTo":       lb.navigateTo,
		"navigateBack":     lb.navigateBack,
		"showSuccess":      lb.notify((*Context).ShowSuccess),
		"showError":        lb.notify((*Context).ShowError),
		"showWarning":      lb.notify((*Context).ShowWarning),
		"showInfo":         lb.notify((*Context).ShowInfo),
		"getPluginData":    lb.getPluginData,
		"setPluginData":    lb.setPluginData,
		"removePluginData": lb.removePluginData,
		"clearPluginData":  lb.clearPluginData,
		"emitEvent":        lb.emitEvent,
		"onEvent":          lb.onEvent,
		"offEvent":         lb.offEvent,
	}
	for name, fn := range fns {
		host.RawSetString(name, L.NewFunction(fn))
	}
}

func (lb *luaBinding) hasRole(L *lua.LState) int {
	L.Push(lua.LBool(lb.ctx.HasRole(L.CheckString(1))))
	return 1
}

func (lb *luaBinding) hasPermission(L *lua.LState) int {
	L.Push(lua.LBool(lb.ctx.HasPermission(L.CheckString(1))))
	return 1
}

// varargStrings collects every argument from position 1 as strings.
func varargStrings(L *lua.LState) []string {
	n := L.GetTop()
	out := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, L.CheckString(i))
	}
	return out
}

func (lb *luaBinding) hasAnyRole(L *lua.LState) int {
	L.Push(lua.LBool(lb.ctx.HasAnyRole(varargStrings(L)...)))
	return 1
}

func (lb *luaBinding) hasAllRoles(L *lua.LState) int {
	L.Push(lua.LBool(lb.ctx.HasAllRoles(varargStrings(L)...)))
	return 1
}

// navigateTo returns ok plus an error message on rejection; plugin code
// decides how to present the refusal.
func (lb *luaBinding) navigateTo(L *lua.LState) int {
	if err := lb.ctx.NavigateTo(L.CheckString(1)); err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

func (lb *luaBinding) navigateBack(L *lua.LState) int {
	lb.ctx.NavigateBack()
	return 0
}

func (lb *luaBinding) notify(fn func(*Context, string)) lua.LGFunction {
	return func(L *lua.LState) int {
		fn(lb.ctx, L.CheckString(1))
		return 0
	}
}

// Storage values cross the Lua boundary as JSON so tables, strings, and
// numbers round-trip and stay inspectable host-side.

func (lb *luaBinding) getPluginData(L *lua.LState) int {
	key := L.CheckString(1)
	raw, ok := lb.ctx.GetPluginData(context.Background(), key)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		// Bytes written by host code that never were JSON.
		L.Push(lua.LString(raw))
		return 1
	}
	L.Push(lb.bridge.ToLuaValue(v))
	return 1
}

func (lb *luaBinding) setPluginData(L *lua.LState) int {
	key := L.CheckString(1)
	v := lb.bridge.ToGoValue(L.CheckAny(2))
	raw, err := json.Marshal(v)
	if err != nil {
		lb.ctx.log.Warn("storage write skipped, unencodable value", "key", key, "err", err)
		return 0
	}
	lb.ctx.SetPluginData(context.Background(), key, raw)
	return 0
}

func (lb *luaBinding) removePluginData(L *lua.LState) int {
	lb.ctx.RemovePluginData(context.Background(), L.CheckString(1))
	return 0
}

func (lb *luaBinding) clearPluginData(L *lua.LState) int {
	lb.ctx.ClearPluginData(context.Background())
	return 0
}

func (lb *luaBinding) emitEvent(L *lua.LState) int {
	name := L.CheckString(1)
	var payload any
	if L.GetTop() >= 2 {
		payload = lb.bridge.ToGoValue(L.CheckAny(2))
	}
	lb.ctx.EmitEvent(name, payload)
	return 0
}

// onEvent subscribes a Lua function and returns the subscription id.
// The function is pinned in the handlers table under that id until
// offEvent or uninstall.
func (lb *luaBinding) onEvent(L *lua.LState) int {
	name := L.CheckString(1)
	fn := L.CheckFunction(2)

	if !lb.ctx.allowed() {
		lb.ctx.log.Warn("event subscribe denied", "event", name)
		L.Push(lua.LNil)
		return 1
	}

	var subID string
	sub, err := lb.ctx.bus.Subscribe(name, func(payload any) {
		lb.dispatch(subID, payload)
	}, event.WithOwner(lb.ctx.pluginID))
	if err != nil {
		lb.ctx.log.Warn("event subscribe failed", "event", name, "err", err)
		L.Push(lua.LNil)
		return 1
	}
	subID = sub.ID()

	lb.mu.Lock()
	lb.subs[subID] = sub
	lb.mu.Unlock()
	lb.handlers.RawSetString(subID, fn)

	L.Push(lua.LString(subID))
	return 1
}

// dispatch invokes one pinned Lua handler. Handler errors are contained
// and logged; they never unwind into the emitter.
func (lb *luaBinding) dispatch(subID string, payload any) {
	fn, ok := lb.handlers.RawGetString(subID).(*lua.LFunction)
	if !ok {
		return
	}
	err := lb.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, lb.bridge.ToLuaValue(payload))
	if err != nil {
		lb.ctx.log.Warn("event handler failed", "subscription", subID, "err", err)
	}
}

func (lb *luaBinding) offEvent(L *lua.LState) int {
	subID := L.CheckString(1)

	lb.mu.Lock()
	sub, ok := lb.subs[subID]
	delete(lb.subs, subID)
	lb.mu.Unlock()

	if ok {
		sub.Cancel()
		lb.handlers.RawSetString(subID, lua.LNil)
	}
	L.Push(lua.LBool(ok))
	return 1
}

// cleanup cancels every Lua-registered subscription and unpins its
// handler. Safe to call once the state is being torn down.
func (lb *luaBinding) cleanup() {
	lb.mu.Lock()
	subs := lb.subs
	lb.subs = make(map[string]*event.Subscription)
	lb.mu.Unlock()

	for id, sub := range subs {
		sub.Cancel()
		lb.handlers.RawSetString(id, lua.LNil)
	}
}
