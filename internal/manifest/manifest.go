// Package manifest defines the plugin manifest document and its validator.
package manifest

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Manifest describes a plugin's identity, surface area, and requirements.
// A Manifest returned by Validate is treated as immutable; callers that
// need to mutate must Clone first.
type Manifest struct {
	// Identity
	ID          string `json:"id"`          // Unique kebab-case identifier (e.g., "audit-log")
	Name        string `json:"name"`        // Human-readable name
	Version     string `json:"version"`     // Semver (e.g., "1.2.0")
	Author      string `json:"author"`      // Author name or org
	CoreVersion string `json:"coreVersion"` // Range the host version must satisfy (e.g., "^1.0.0")

	// Contributions
	Menus   []MenuItem `json:"menus"`
	Widgets []Widget   `json:"widgets"`

	// Requirements
	Dependencies Dependencies `json:"dependencies"`
	Permissions  Permissions  `json:"permissions"`

	// Lifecycle hooks the entry module declares
	Hooks Hooks `json:"hooks"`
}

// MenuType distinguishes the host's menu surfaces.
type MenuType string

// Menu types.
const (
	MenuMain  MenuType = "main"
	MenuAdmin MenuType = "admin"
)

// MenuItem declares a navigation entry contributed by a plugin.
type MenuItem struct {
	ID          string   `json:"id"`    // Unique within the plugin
	Label       string   `json:"label"` // Display label
	Type        MenuType `json:"type"`  // main or admin
	Route       string   `json:"route"` // Must be prefixed by /plugins/{id}/
	Order       int      `json:"order"` // Sort key; ties broken by insertion order
	Permissions []string `json:"permissions"`
}

// Slot is a named placement region in the host's dashboard layout.
type Slot string

// Dashboard slots.
const (
	SlotDashboardTop     Slot = "dashboard-top"
	SlotDashboardStats   Slot = "dashboard-stats"
	SlotDashboardSidebar Slot = "dashboard-sidebar"
	SlotDashboardMain    Slot = "dashboard-main"
)

// Widget declares a dashboard component contributed by a plugin.
// Component is a symbolic reference resolved against the entry module's
// exports at load time, never a direct function pointer.
type Widget struct {
	ID          string         `json:"id"`        // Unique within the plugin
	Component   string         `json:"component"` // Exported symbol name (case-sensitive)
	Slot        Slot           `json:"slot"`
	Order       int            `json:"order"`
	Permissions []string       `json:"permissions"`
	Props       map[string]any `json:"props"` // Opaque record passed to the rendered component
}

// Dependencies declares what a plugin requires from its environment.
type Dependencies struct {
	External []string `json:"external"` // Host-provided libraries, informational
	Plugins  []string `json:"plugins"`  // Versioned refs, "id@range" (e.g., "base@^2.0.0")
}

// Permissions declares the permission surface of a plugin.
type Permissions struct {
	Required []string `json:"required"` // Identity permissions gating broker calls
	Provided []string `json:"provided"` // Permissions this plugin contributes
}

// Hooks declares which lifecycle hooks the entry module exports.
type Hooks struct {
	OnInstall   bool `json:"onInstall"`
	OnUpdate    bool `json:"onUpdate"`
	OnUninstall bool `json:"onUninstall"`
}

// Hook export names in the entry module.
const (
	HookInstall   = "onInstall"
	HookUpdate    = "onUpdate"
	HookUninstall = "onUninstall"
)

// Declared returns the hook names set to true, in a fixed order.
func (h Hooks) Declared() []string {
	var names []string
	if h.OnInstall {
		names = append(names, HookInstall)
	}
	if h.OnUpdate {
		names = append(names, HookUpdate)
	}
	if h.OnUninstall {
		names = append(names, HookUninstall)
	}
	return names
}

// RoutePrefix returns the route prefix every menu route of this plugin
// must carry.
func (m *Manifest) RoutePrefix() string {
	return "/plugins/" + m.ID + "/"
}

// SemVersion returns the parsed plugin version. Validate guarantees it
// parses, so errors only occur on hand-built manifests.
func (m *Manifest) SemVersion() (*semver.Version, error) {
	return semver.NewVersion(m.Version)
}

// CoreConstraint returns the parsed host version range.
func (m *Manifest) CoreConstraint() (*semver.Constraints, error) {
	return semver.NewConstraint(m.CoreVersion)
}

// Clone creates a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	clone := *m

	if m.Menus != nil {
		clone.Menus = make([]MenuItem, len(m.Menus))
		for i, item := range m.Menus {
			clone.Menus[i] = item
			clone.Menus[i].Permissions = copyStrings(item.Permissions)
		}
	}

	if m.Widgets != nil {
		clone.Widgets = make([]Widget, len(m.Widgets))
		for i, w := range m.Widgets {
			clone.Widgets[i] = w
			clone.Widgets[i].Permissions = copyStrings(w.Permissions)
			if w.Props != nil {
				props := make(map[string]any, len(w.Props))
				for k, v := range w.Props {
					props[k] = v
				}
				clone.Widgets[i].Props = props
			}
		}
	}

	clone.Dependencies.External = copyStrings(m.Dependencies.External)
	clone.Dependencies.Plugins = copyStrings(m.Dependencies.Plugins)
	clone.Permissions.Required = copyStrings(m.Permissions.Required)
	clone.Permissions.Provided = copyStrings(m.Permissions.Provided)

	return &clone
}

func copyStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

// String returns a string representation of the manifest.
func (m *Manifest) String() string {
	return fmt.Sprintf("%s v%s", m.ID, m.Version)
}

// Ref is a parsed versioned plugin reference from dependencies.plugins.
type Ref struct {
	ID    string
	Range *semver.Constraints
	Raw   string
}

// ParseRef parses an "id@range" dependency reference. A bare "id" means
// any version.
func ParseRef(raw string) (Ref, error) {
	id, rng, found := strings.Cut(raw, "@")
	if id == "" {
		return Ref{}, fmt.Errorf("dependency ref %q: missing plugin id", raw)
	}
	if !idPattern.MatchString(id) {
		return Ref{}, fmt.Errorf("dependency ref %q: invalid plugin id", raw)
	}
	if !found || rng == "" {
		rng = "*"
	}
	c, err := semver.NewConstraint(rng)
	if err != nil {
		return Ref{}, fmt.Errorf("dependency ref %q: invalid version range: %w", raw, err)
	}
	return Ref{ID: id, Range: c, Raw: raw}, nil
}

// PluginRefs parses all dependencies.plugins entries. Validate guarantees
// they parse.
func (m *Manifest) PluginRefs() ([]Ref, error) {
	refs := make([]Ref, 0, len(m.Dependencies.Plugins))
	for _, raw := range m.Dependencies.Plugins {
		ref, err := ParseRef(raw)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}
