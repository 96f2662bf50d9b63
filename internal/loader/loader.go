// Package loader binds a plugin's entry module against its manifest.
//
// The entry module is Lua source. Executing it in a fresh sandboxed
// state produces globals; the loader resolves the manifest's declared
// surface against them: every widgets[].component must name a global
// function (case-sensitive), every declared hook must name a global
// function, and the optional default route component is the global
// "main". Binding failures are collected into one aggregate LoadError
// so the uploader gets the complete remediation list.
package loader

import (
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/wardenhost/warden/internal/luart"
	"github.com/wardenhost/warden/internal/manifest"
)

// DefaultExportName is the global holding the optional route component.
const DefaultExportName = "main"

// LoadError reports every unresolved export in one error.
type LoadError struct {
	Plugin  string
	Missing []string // unresolved export names, manifest order
	Err     error    // execution error, when the module failed to run
}

// Error implements error.
func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("load plugin %q: %v", e.Plugin, e.Err)
	}
	return fmt.Sprintf("load plugin %q: unresolved exports: %s",
		e.Plugin, strings.Join(e.Missing, ", "))
}

// Unwrap returns the execution error, if any.
func (e *LoadError) Unwrap() error { return e.Err }

// Export is a resolved reference to an exported symbol. Rendering and
// hook invocation go through Exports only, never through open-ended
// name lookup against live plugin code.
type Export struct {
	Plugin string
	Name   string

	fn    *lua.LFunction
	state *luart.State
}

// Call invokes the export. Go arguments are bridged to Lua; lua.LValue
// arguments pass through unchanged. Results are bridged back to Go.
func (e *Export) Call(args ...any) ([]any, error) {
	L := e.state.LuaState()
	if L == nil {
		return nil, luart.ErrStateClosed
	}
	bridge := luart.NewBridge(L)

	luaArgs := make([]lua.LValue, len(args))
	for i, arg := range args {
		luaArgs[i] = bridge.ToLuaValue(arg)
	}

	results, err := e.state.CallValue(e.fn, luaArgs...)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", e.Plugin, e.Name, err)
	}

	out := make([]any, len(results))
	for i, r := range results {
		out[i] = bridge.ToGoValue(r)
	}
	return out, nil
}

// Binding is the result of loading an entry module: the pre-validated
// export lookup table plus the runtime that owns the loaded code.
type Binding struct {
	Plugin  string
	Default *Export            // nil when the module exports no route component
	Named   map[string]*Export // widget components, keyed by export name
	Hooks   map[string]*Export // declared hooks, keyed by hook name

	state *luart.State
}

// Runtime returns the plugin's Lua state.
func (b *Binding) Runtime() *luart.State { return b.state }

// Close releases the loaded module's runtime. All Exports become
// unusable.
func (b *Binding) Close() error {
	return b.state.Close()
}

// Option configures a Load call.
type Option func(*config)

type config struct {
	bootstrap        func(L *lua.LState) error
	instructionLimit int64
}

// WithBootstrap runs fn on the fresh state before the entry module
// executes. The broker uses this to inject the plugin's capability
// table, so loaded code receives its host access explicitly instead of
// reaching for ambient globals.
func WithBootstrap(fn func(L *lua.LState) error) Option {
	return func(c *config) {
		c.bootstrap = fn
	}
}

// WithInstructionLimit overrides the per-execution instruction cap.
func WithInstructionLimit(limit int64) Option {
	return func(c *config) {
		c.instructionLimit = limit
	}
}

// Load executes the entry module in a fresh sandboxed state and resolves
// the manifest's declared exports. On any failure the state is closed
// and a *LoadError is returned.
func Load(source []byte, m *manifest.Manifest, opts ...Option) (*Binding, error) {
	cfg := config{instructionLimit: luart.DefaultInstructionLimit}
	for _, opt := range opts {
		opt(&cfg)
	}

	state := luart.New(luart.WithInstructionLimit(cfg.instructionLimit))

	if cfg.bootstrap != nil {
		if err := cfg.bootstrap(state.LuaState()); err != nil {
			state.Close()
			return nil, &LoadError{Plugin: m.ID, Err: fmt.Errorf("bootstrap: %w", err)}
		}
	}

	if err := state.DoString(string(source)); err != nil {
		state.Close()
		return nil, &LoadError{Plugin: m.ID, Err: err}
	}

	binding := &Binding{
		Plugin: m.ID,
		Named:  make(map[string]*Export),
		Hooks:  make(map[string]*Export),
		state:  state,
	}

	var missing []string
	resolve := func(name string) *Export {
		fn, ok := state.GlobalFunction(name)
		if !ok {
			return nil
		}
		return &Export{Plugin: m.ID, Name: name, fn: fn, state: state}
	}

	// Widget components: exact, case-sensitive export names. Several
	// widgets may share one component.
	for _, w := range m.Widgets {
		if _, done := binding.Named[w.Component]; done {
			continue
		}
		exp := resolve(w.Component)
		if exp == nil {
			missing = append(missing, w.Component)
			continue
		}
		binding.Named[w.Component] = exp
	}

	// Declared hooks must exist; exported-but-undeclared hooks are
	// ignored for forward compatibility.
	for _, hook := range m.Hooks.Declared() {
		exp := resolve(hook)
		if exp == nil {
			missing = append(missing, hook)
			continue
		}
		binding.Hooks[hook] = exp
	}

	if len(missing) > 0 {
		state.Close()
		return nil, &LoadError{Plugin: m.ID, Missing: missing}
	}

	// Optional default route component.
	binding.Default = resolve(DefaultExportName)

	return binding, nil
}
