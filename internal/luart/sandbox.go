package luart

import (
	"sync"
	"sync/atomic"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// Sandbox restricts a plugin state to safe operations. Isolation is
// logical, not process-level: the sandbox removes the escape hatches
// (disk loading, arbitrary require) and counts instructions, nothing
// more.
type Sandbox struct {
	L *lua.LState

	instructionLimit int64
	instructionCount int64
}

// NewSandbox creates a sandbox for the Lua state.
func NewSandbox(L *lua.LState, instructionLimit int64) *Sandbox {
	return &Sandbox{L: L, instructionLimit: instructionLimit}
}

// Install sets up the sandbox restrictions.
func (s *Sandbox) Install() {
	// Functions that load code from outside the entry module.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		s.L.SetGlobal(name, lua.LNil)
	}

	s.installSafeRequire()
}

// installSafeRequire replaces require with a whitelist-only version and
// clears the disk search paths, so only the built-in safe modules are
// loadable. Host capabilities reach plugins through the injected host
// table, never through require.
func (s *Sandbox) installSafeRequire() {
	if pkg, ok := s.L.GetGlobal("package").(*lua.LTable); ok {
		s.L.SetField(pkg, "path", lua.LString(""))
		s.L.SetField(pkg, "cpath", lua.LString(""))
	}

	safeModules := map[string]bool{
		"string": true,
		"table":  true,
		"math":   true,
	}

	originalRequire := s.L.GetGlobal("require")

	s.L.SetGlobal("require", s.L.NewFunction(func(L *lua.LState) int {
		modName := L.CheckString(1)

		if safeModules[modName] {
			L.Push(originalRequire)
			L.Push(lua.LString(modName))
			L.Call(1, 1)
			return 1
		}

		// L.RaiseError does a longjmp; the return is unreachable.
		L.RaiseError("module %q is not available to plugins", modName)
		return 0
	}))
}

// ResetInstructionCount resets the instruction counter.
func (s *Sandbox) ResetInstructionCount() {
	atomic.StoreInt64(&s.instructionCount, 0)
}

// InstructionCount returns the current instruction count.
func (s *Sandbox) InstructionCount() int64 {
	return atomic.LoadInt64(&s.instructionCount)
}

// IncrementInstructions adds to the instruction count and reports
// whether the limit is exceeded.
func (s *Sandbox) IncrementInstructions(n int64) bool {
	if s.instructionLimit <= 0 {
		return false
	}
	return atomic.AddInt64(&s.instructionCount, n) > s.instructionLimit
}

// Exceeded reports whether the last armed execution ran past the limit.
func (s *Sandbox) Exceeded() bool {
	return s.instructionLimit > 0 && s.InstructionCount() > s.instructionLimit
}

// Arm resets the counter and installs the instruction guard for one
// execution. The VM polls the guard's Done channel before every
// instruction, so the count is exact; when the budget runs out the
// running chunk aborts through the Lua error path. A zero limit leaves
// the state unguarded.
func (s *Sandbox) Arm() {
	s.ResetInstructionCount()
	if s.instructionLimit <= 0 {
		return
	}
	s.L.SetContext(&guardContext{sandbox: s, done: make(chan struct{})})
}

// Disarm removes the guard installed by Arm. Handlers invoked from a
// guarded execution share its budget; calls outside one run unguarded.
func (s *Sandbox) Disarm() {
	if s.instructionLimit <= 0 {
		return
	}
	s.L.RemoveContext()
}

// guardContext is the context Arm installs on the LState. gopher-lua's
// instruction loop selects on Done() once per opcode, which is where
// the counting happens.
type guardContext struct {
	sandbox *Sandbox
	done    chan struct{}
	once    sync.Once
}

func (g *guardContext) Done() <-chan struct{} {
	if g.sandbox.IncrementInstructions(1) {
		g.once.Do(func() { close(g.done) })
	}
	return g.done
}

func (g *guardContext) Err() error {
	select {
	case <-g.done:
		return ErrInstructionLimit
	default:
		return nil
	}
}

func (g *guardContext) Deadline() (deadline time.Time, ok bool) { return }

func (g *guardContext) Value(key any) any { return nil }
