package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Scoped is a plugin's view of the shared store. Every call is bound to
// the owning plugin id; a plugin can never reach another plugin's
// entries through it, and no cross-plugin enumeration is exposed.
type Scoped struct {
	pluginID string
	store    Store
}

// NewScoped binds a store view to a plugin id.
func NewScoped(pluginID string, store Store) *Scoped {
	return &Scoped{pluginID: pluginID, store: store}
}

// PluginID returns the owning plugin id.
func (s *Scoped) PluginID() string { return s.pluginID }

// Get returns the value for key, or ErrNotFound.
func (s *Scoped) Get(ctx context.Context, key string) ([]byte, error) {
	return s.store.Get(ctx, s.pluginID, key)
}

// Set writes the value for key.
func (s *Scoped) Set(ctx context.Context, key string, value []byte) error {
	return s.store.Set(ctx, s.pluginID, key, value)
}

// Remove deletes key. Removing a missing key is a no-op.
func (s *Scoped) Remove(ctx context.Context, key string) error {
	return s.store.Delete(ctx, s.pluginID, key)
}

// Keys lists the plugin's keys, sorted.
func (s *Scoped) Keys(ctx context.Context) ([]string, error) {
	return s.store.Keys(ctx, s.pluginID)
}

// Clear removes every entry the plugin has written. It is a scan-and-
// delete over this namespace only, never a shared-storage wipe.
func (s *Scoped) Clear(ctx context.Context) (int, error) {
	return s.store.Clear(ctx, s.pluginID)
}

// Patch sets a JSON path inside the document stored at key, creating the
// document as "{}" if absent. The value must be JSON-serializable.
func (s *Scoped) Patch(ctx context.Context, key, path string, value any) error {
	doc, err := s.store.Get(ctx, s.pluginID, key)
	if errors.Is(err, ErrNotFound) {
		doc = []byte("{}")
	} else if err != nil {
		return err
	}
	if !gjson.ValidBytes(doc) {
		return fmt.Errorf("storage: %s/%s does not hold a JSON document", s.pluginID, key)
	}

	patched, err := sjson.SetBytes(doc, path, value)
	if err != nil {
		return fmt.Errorf("storage: patch %s/%s at %q: %w", s.pluginID, key, path, err)
	}
	return s.store.Set(ctx, s.pluginID, key, patched)
}

// Lookup reads a JSON path inside the document stored at key. The second
// return is false when the key or the path is absent.
func (s *Scoped) Lookup(ctx context.Context, key, path string) (any, bool, error) {
	doc, err := s.store.Get(ctx, s.pluginID, key)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !gjson.ValidBytes(doc) {
		return nil, false, fmt.Errorf("storage: %s/%s does not hold a JSON document", s.pluginID, key)
	}

	res := gjson.GetBytes(doc, path)
	if !res.Exists() {
		return nil, false, nil
	}
	return res.Value(), true, nil
}
