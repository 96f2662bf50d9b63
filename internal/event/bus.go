// Package event implements the process-wide namespaced publish/subscribe
// bus used for inter-plugin signaling.
//
// Topics are plain strings; plugin-emitted events arrive already
// namespaced as "{pluginId}:{name}" (the broker rewrites them before
// publish). Dispatch is synchronous and ordered by registration. Emit
// snapshots the subscriber list first, so handlers added or removed
// during a dispatch do not affect the in-progress dispatch. There is no
// persistence or replay.
package event

import (
	"errors"
	"log/slog"
	"reflect"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/match"
)

// Bus errors.
var (
	// ErrNilHandler is returned when subscribing with a nil handler.
	ErrNilHandler = errors.New("event: handler is nil")

	// ErrEmptyTopic is returned when subscribing or emitting with an
	// empty topic.
	ErrEmptyTopic = errors.New("event: topic is empty")
)

// Handler receives an emitted payload. Handlers must not assume they run
// on any particular goroutine beyond the emitter's.
type Handler func(payload any)

// Subscription is a registered (topic, handler) pair. It is owned by the
// subscribing plugin's lifecycle and must be released on uninstall.
type Subscription struct {
	id    string
	topic string
	owner string
	fn    Handler
	fnPtr uintptr
	bus   *Bus
}

// ID returns the unique subscription id.
func (s *Subscription) ID() string { return s.id }

// Topic returns the subscribed topic pattern.
func (s *Subscription) Topic() string { return s.topic }

// Owner returns the plugin id that owns the subscription, or "" for
// host-owned subscriptions.
func (s *Subscription) Owner() string { return s.owner }

// Cancel removes the subscription from the bus. Cancelling twice is a
// no-op.
func (s *Subscription) Cancel() {
	s.bus.remove(s.id)
}

// Bus is the event bus. The zero value is not usable; call New.
type Bus struct {
	mu   sync.RWMutex
	subs []*Subscription // registration order
	log  *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for handler panic reports.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bus) {
		if log != nil {
			b.log = log
		}
	}
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{log: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SubscribeOption configures a single subscription.
type SubscribeOption func(*Subscription)

// WithOwner tags the subscription with the owning plugin id so it can be
// released in bulk when that plugin is uninstalled or deleted.
func WithOwner(pluginID string) SubscribeOption {
	return func(s *Subscription) {
		s.owner = pluginID
	}
}

// Subscribe registers a handler for a topic. The topic may be a match
// pattern ("demo:*" receives every event emitted by plugin "demo").
func (b *Bus) Subscribe(topic string, h Handler, opts ...SubscribeOption) (*Subscription, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	if topic == "" {
		return nil, ErrEmptyTopic
	}

	sub := &Subscription{
		id:    uuid.NewString(),
		topic: topic,
		fn:    h,
		fnPtr: reflect.ValueOf(h).Pointer(),
		bus:   b,
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub, nil
}

// Off removes the first subscription on topic whose handler is the same
// function value as h. Unmatched removal is a silent no-op.
//
// Handler identity is the function's code pointer, so two closures built
// from the same literal are indistinguishable and Off may remove either
// one. When distinct subscriptions share a topic and a literal, keep the
// *Subscription and use Cancel, which removes by id.
func (b *Bus) Off(topic string, h Handler) bool {
	if h == nil {
		return false
	}
	ptr := reflect.ValueOf(h).Pointer()

	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.topic == topic && sub.fnPtr == ptr {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Emit dispatches payload synchronously to every handler whose topic
// matches, in registration order. Returns the number of handlers invoked.
// A panicking handler is recovered and logged; it never propagates to the
// emitter or to other handlers.
func (b *Bus) Emit(topic string, payload any) int {
	if topic == "" {
		return 0
	}

	// Snapshot under lock; dispatch outside so handlers may re-enter.
	b.mu.RLock()
	matched := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.topic == topic || match.Match(topic, sub.topic) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		b.dispatch(topic, sub, payload)
	}
	return len(matched)
}

func (b *Bus) dispatch(topic string, sub *Subscription, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn("event handler panicked",
				"topic", topic, "subscription", sub.id, "owner", sub.owner, "panic", r)
		}
	}()
	sub.fn(payload)
}

// ReleaseOwner cancels every subscription owned by the given plugin id
// and returns how many were released.
func (b *Bus) ReleaseOwner(pluginID string) int {
	if pluginID == "" {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.subs[:0]
	released := 0
	for _, sub := range b.subs {
		if sub.owner == pluginID {
			released++
			continue
		}
		kept = append(kept, sub)
	}
	// Zero the tail so cancelled subscriptions are collectable.
	for i := len(kept); i < len(b.subs); i++ {
		b.subs[i] = nil
	}
	b.subs = kept
	return released
}

// Count returns the number of live subscriptions.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Reset removes all subscriptions. Intended for tests and host teardown.
func (b *Bus) Reset() {
	b.mu.Lock()
	b.subs = nil
	b.mu.Unlock()
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}
