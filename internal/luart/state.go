// Package luart wraps gopher-lua with the restrictions plugin entry
// modules run under. Each plugin owns exactly one State; exports and
// hooks are Lua globals resolved by the loader after the entry module
// executes.
package luart

import (
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// DefaultInstructionLimit caps instructions per execution. Zero disables
// the cap.
const DefaultInstructionLimit = 10_000_000

// State wraps a sandboxed Lua state.
//
// gopher-lua's LState is not goroutine-safe. The mutex serializes access
// from Go; Lua execution itself is single-threaded.
type State struct {
	L *lua.LState

	mu sync.Mutex

	instructionLimit int64
	sandbox          *Sandbox
	closed           bool
}

// Option configures a State.
type Option func(*State)

// WithInstructionLimit sets the maximum instructions per execution.
func WithInstructionLimit(limit int64) Option {
	return func(s *State) {
		s.instructionLimit = limit
	}
}

// New creates a sandboxed Lua state with only the safe standard
// libraries open.
func New(opts ...Option) *State {
	s := &State{instructionLimit: DefaultInstructionLimit}
	for _, opt := range opts {
		opt(s)
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs: true, // opened selectively below
	})
	s.L = L

	openSafeLibraries(L)

	s.sandbox = NewSandbox(L, s.instructionLimit)
	s.sandbox.Install()

	return s
}

// openSafeLibraries opens only safe Lua standard libraries.
func openSafeLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Intentionally not opened:
	// - io, os (host access belongs to the broker)
	// - debug (can escape the sandbox)
	// - package loading from disk (see Sandbox.Install)
}

// DoString executes Lua source in the state.
func (s *State) DoString(code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}

	s.sandbox.Arm()
	defer s.sandbox.Disarm()
	return s.limitErr(s.doWithRecovery(func() error {
		return s.L.DoString(code)
	}))
}

// limitErr maps a guard abort to ErrInstructionLimit. The guard unwinds
// through the Lua error path, so the raw error is a generic ApiError;
// the counter tells the two apart.
func (s *State) limitErr(err error) error {
	if err != nil && s.sandbox.Exceeded() {
		return fmt.Errorf("%w (limit %d)", ErrInstructionLimit, s.instructionLimit)
	}
	return err
}

// doWithRecovery executes fn with panic recovery. gopher-lua panics on
// some internal errors; plugin code must never crash the host.
func (s *State) doWithRecovery(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn()
}

// CallValue calls a Lua function value with the given arguments and
// returns all results.
func (s *State) CallValue(fn *lua.LFunction, args ...lua.LValue) ([]lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStateClosed
	}

	s.sandbox.Arm()
	defer s.sandbox.Disarm()

	stackTop := s.L.GetTop()
	s.L.Push(fn)
	for _, arg := range args {
		s.L.Push(arg)
	}

	var callErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				callErr = fmt.Errorf("lua panic: %v", r)
			}
		}()
		callErr = s.L.PCall(len(args), lua.MultRet, nil)
	}()
	if callErr != nil {
		return nil, s.limitErr(callErr)
	}

	nRet := s.L.GetTop() - stackTop
	if nRet <= 0 {
		return []lua.LValue{}, nil
	}
	results := make([]lua.LValue, nRet)
	for i := 0; i < nRet; i++ {
		results[i] = s.L.Get(stackTop + i + 1)
	}
	s.L.Pop(nRet)
	return results, nil
}

// Call calls a global Lua function by name.
func (s *State) Call(fn string, args ...lua.LValue) ([]lua.LValue, error) {
	s.mu.Lock()
	fnVal := lua.LValue(lua.LNil)
	if !s.closed {
		fnVal = s.L.GetGlobal(fn)
	}
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return nil, ErrStateClosed
	}
	if fnVal == lua.LNil {
		return nil, fmt.Errorf("function %q not found", fn)
	}
	lf, ok := fnVal.(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("%q is not a function (got %s)", fn, fnVal.Type())
	}
	return s.CallValue(lf, args...)
}

// GetGlobal returns a global variable value.
func (s *State) GetGlobal(name string) lua.LValue {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return lua.LNil
	}
	return s.L.GetGlobal(name)
}

// SetGlobal sets a global variable.
func (s *State) SetGlobal(name string, value lua.LValue) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.L.SetGlobal(name, value)
}

// GlobalFunction returns the named global if it is a function.
func (s *State) GlobalFunction(name string) (*lua.LFunction, bool) {
	v := s.GetGlobal(name)
	fn, ok := v.(*lua.LFunction)
	return fn, ok
}

// LuaState returns the underlying LState. Direct access bypasses the
// mutex; callers must hold exclusive use of the state.
func (s *State) LuaState() *lua.LState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	return s.L
}

// Sandbox returns the sandbox installed on the state.
func (s *State) Sandbox() *Sandbox {
	return s.sandbox
}

// IsClosed reports whether Close has been called.
func (s *State) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases the Lua state. Closing twice is a no-op.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.L.Close()
	return nil
}
