// Package identity exposes the host-provided identity and permission
// facts the capability broker reads. The engine never authenticates
// anyone itself; it only consumes the facts the host API layer supplies.
package identity

import "sync"

// Facts is a snapshot of the current identity. The zero value is an
// unauthenticated identity with no roles or permissions.
type Facts struct {
	Roles         []string
	Permissions   []string
	Authenticated bool
}

// HasRole reports whether the identity is authenticated and holds role.
func (f Facts) HasRole(role string) bool {
	if !f.Authenticated {
		return false
	}
	for _, r := range f.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasPermission reports whether the identity is authenticated and holds
// permission.
func (f Facts) HasPermission(permission string) bool {
	if !f.Authenticated {
		return false
	}
	for _, p := range f.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the identity holds at least one of roles.
// False for an empty list.
func (f Facts) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if f.HasRole(r) {
			return true
		}
	}
	return false
}

// HasAllRoles reports whether the identity holds every role in roles.
// True for an empty list only when authenticated.
func (f Facts) HasAllRoles(roles ...string) bool {
	if !f.Authenticated {
		return false
	}
	for _, r := range roles {
		if !f.HasRole(r) {
			return false
		}
	}
	return true
}

// HasAllPermissions reports whether the identity holds every permission.
func (f Facts) HasAllPermissions(permissions ...string) bool {
	if !f.Authenticated {
		return false
	}
	for _, p := range permissions {
		if !f.HasPermission(p) {
			return false
		}
	}
	return true
}

// Provider supplies identity facts on demand. Implementations must be
// safe for concurrent use.
type Provider interface {
	Current() Facts
}

// Static is a Provider whose facts are set programmatically. The host
// updates it as sessions change; tests use it directly.
type Static struct {
	mu    sync.RWMutex
	facts Facts
}

// NewStatic creates a provider with the given initial facts.
func NewStatic(facts Facts) *Static {
	return &Static{facts: facts}
}

// Anonymous creates a provider for an unauthenticated identity.
func Anonymous() *Static {
	return &Static{}
}

// Current returns the current facts snapshot.
func (s *Static) Current() Facts {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f := s.facts
	f.Roles = append([]string(nil), s.facts.Roles...)
	f.Permissions = append([]string(nil), s.facts.Permissions...)
	return f
}

// SetFacts replaces the facts snapshot.
func (s *Static) SetFacts(facts Facts) {
	s.mu.Lock()
	s.facts = facts
	s.mu.Unlock()
}
