// Package host wires the engine together: storage backend, identity
// provider, event bus, registry, and lifecycle controller assembled
// into one owned service with an explicit Close.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wardenhost/warden/internal/archive"
	"github.com/wardenhost/warden/internal/broker"
	"github.com/wardenhost/warden/internal/event"
	"github.com/wardenhost/warden/internal/identity"
	"github.com/wardenhost/warden/internal/lifecycle"
	"github.com/wardenhost/warden/internal/manifest"
	"github.com/wardenhost/warden/internal/registry"
	"github.com/wardenhost/warden/internal/storage"
)

// Config selects the host's version and backing services.
type Config struct {
	// Version is the host's semantic version, checked against every
	// manifest's coreVersion range.
	Version string

	// StoragePath is the SQLite database path for plugin storage.
	// Empty selects the in-memory backend.
	StoragePath string

	// InstructionLimit bounds Lua execution per plugin call. Zero
	// keeps the runtime default.
	InstructionLimit int64

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// Nav and Notify are the optional host UI surfaces brokered to
	// plugins.
	Nav    broker.Navigator
	Notify broker.Notifier
}

// Host owns the assembled engine.
type Host struct {
	cfg      Config
	log      *slog.Logger
	store    storage.Store
	identity *identity.Static
	ctrl     *lifecycle.Controller
}

// New assembles a Host from cfg.
func New(cfg Config) (*Host, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	var store storage.Store
	if cfg.StoragePath != "" {
		s, err := storage.NewSQLite(cfg.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("host: open storage: %w", err)
		}
		store = s
	} else {
		store = storage.NewMemory()
	}

	ident := identity.Anonymous()
	ctrl, err := lifecycle.New(cfg.Version,
		lifecycle.WithLogger(log),
		lifecycle.WithStore(store),
		lifecycle.WithIdentity(ident),
		lifecycle.WithNavigator(cfg.Nav),
		lifecycle.WithNotifier(cfg.Notify),
		lifecycle.WithInstructionLimit(cfg.InstructionLimit),
	)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &Host{
		cfg:      cfg,
		log:      log,
		store:    store,
		identity: ident,
		ctrl:     ctrl,
	}, nil
}

// Controller returns the lifecycle controller.
func (h *Host) Controller() *lifecycle.Controller { return h.ctrl }

// Registry returns the plugin registry read surface.
func (h *Host) Registry() *registry.Registry { return h.ctrl.Registry() }

// Bus returns the shared event bus.
func (h *Host) Bus() *event.Bus { return h.ctrl.Bus() }

// SetIdentity replaces the current identity facts, e.g. after the host
// API layer authenticates a session.
func (h *Host) SetIdentity(facts identity.Facts) {
	h.identity.SetFacts(facts)
}

// UploadPackage reads a plugin package from path (zip or directory)
// and uploads it.
func (h *Host) UploadPackage(ctx context.Context, path string) (*manifest.Manifest, []manifest.ValidationError, error) {
	pkg, err := archive.Read(path)
	if err != nil {
		return nil, nil, err
	}
	return h.ctrl.Upload(ctx, pkg.Manifest, pkg.Module)
}

// InstallPackage uploads and installs a plugin package in one step.
// Validation defects are returned without an install attempt.
func (h *Host) InstallPackage(ctx context.Context, path string) (*manifest.Manifest, []manifest.ValidationError, error) {
	m, verrs, err := h.UploadPackage(ctx, path)
	if err != nil || len(verrs) > 0 {
		return nil, verrs, err
	}
	if err := h.ctrl.Install(ctx, m.ID); err != nil {
		return m, nil, err
	}
	return m, nil, nil
}

// Reset drops every plugin record, runtime, and subscription but keeps
// the storage backend open. For tests.
func (h *Host) Reset() error {
	return h.ctrl.Close()
}

// Close releases loaded plugin runtimes and the storage backend.
func (h *Host) Close() error {
	return errors.Join(h.ctrl.Close(), h.store.Close())
}
