// Package storage provides the shared key/value persistence surface and
// the per-plugin scoped view over it.
//
// Every logical key is the pair (pluginID, key). Plugins never touch a
// Store directly; they go through a Scoped view issued by their broker
// context, which bakes the plugin id into every call.
package storage

import (
	"context"
	"errors"
)

// Store errors.
var (
	// ErrNotFound is returned when a key has no entry.
	ErrNotFound = errors.New("storage: key not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("storage: store is closed")
)

// Store is the shared persistence surface. Implementations must be safe
// for concurrent use.
type Store interface {
	// Get returns the value for (pluginID, key), or ErrNotFound.
	Get(ctx context.Context, pluginID, key string) ([]byte, error)

	// Set writes the value for (pluginID, key), replacing any previous
	// value.
	Set(ctx context.Context, pluginID, key string, value []byte) error

	// Delete removes (pluginID, key). Deleting a missing key is a no-op.
	Delete(ctx context.Context, pluginID, key string) error

	// Keys lists all keys in the plugin's namespace, sorted.
	Keys(ctx context.Context, pluginID string) ([]string, error)

	// Clear removes every entry in the plugin's namespace and returns
	// how many were removed. It never touches other namespaces.
	Clear(ctx context.Context, pluginID string) (int, error)

	// Close releases the underlying resources.
	Close() error
}
