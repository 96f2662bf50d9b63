package storage

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-memory Store. It is the default backend and the one
// tests use.
type Memory struct {
	mu     sync.RWMutex
	data   map[string]map[string][]byte // pluginID -> key -> value
	closed bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string][]byte)}
}

// Get returns the value for (pluginID, key), or ErrNotFound.
func (m *Memory) Get(_ context.Context, pluginID, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	ns, ok := m.data[pluginID]
	if !ok {
		return nil, ErrNotFound
	}
	v, ok := ns[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Set writes the value for (pluginID, key).
func (m *Memory) Set(_ context.Context, pluginID, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	ns, ok := m.data[pluginID]
	if !ok {
		ns = make(map[string][]byte)
		m.data[pluginID] = ns
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	ns[key] = stored
	return nil
}

// Delete removes (pluginID, key).
func (m *Memory) Delete(_ context.Context, pluginID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if ns, ok := m.data[pluginID]; ok {
		delete(ns, key)
	}
	return nil
}

// Keys lists all keys in the plugin's namespace, sorted.
func (m *Memory) Keys(_ context.Context, pluginID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	ns := m.data[pluginID]
	keys := make([]string, 0, len(ns))
	for k := range ns {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Clear removes every entry in the plugin's namespace.
func (m *Memory) Clear(_ context.Context, pluginID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	n := len(m.data[pluginID])
	delete(m.data, pluginID)
	return n, nil
}

// Close marks the store closed. Further operations return ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.data = nil
	return nil
}
