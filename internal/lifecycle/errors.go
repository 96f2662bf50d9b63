package lifecycle

import (
	"fmt"
	"strings"

	"github.com/wardenhost/warden/internal/registry"
)

// ConflictError rejects an operation that would collide with existing
// state: a duplicate plugin id, a transition the current state forbids,
// or a second operation for an id that already has one in flight.
type ConflictError struct {
	Plugin string
	Op     string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("plugin %s: %s conflict: %s", e.Plugin, e.Op, e.Reason)
}

// DependencyError aborts an install whose requirements cannot be met:
// the host version falls outside coreVersion, or a declared plugin
// dependency is absent or at an unsatisfying version. Unmet lists every
// requirement that failed.
type DependencyError struct {
	Plugin string
	Unmet  []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("plugin %s: unmet dependencies: %s", e.Plugin, strings.Join(e.Unmet, "; "))
}

// HookError wraps a runtime failure inside a lifecycle hook. During
// install it is fatal and rolls the record to FAILED; during uninstall
// it is logged and the transition completes anyway.
type HookError struct {
	Plugin string
	Hook   string
	Err    error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("plugin %s: hook %s: %v", e.Plugin, e.Hook, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }

// stateConflict builds the ConflictError for a transition the current
// state does not permit.
func stateConflict(id, op string, state registry.State) *ConflictError {
	return &ConflictError{
		Plugin: id,
		Op:     op,
		Reason: fmt.Sprintf("not allowed in state %s", state),
	}
}
