// Package pending provides a keyed registry of time-bounded requests:
// at most one live entry per key, each with an expiry. It replaces the
// ad hoc "map of active requests per target" pattern that otherwise
// gets reimplemented per feature.
package pending

import (
	"sync"
	"time"
)

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

// Registry tracks at most one live value per key. Expired entries are
// treated as absent and reaped lazily on access or via Sweep.
type Registry[T any] struct {
	now func() time.Time

	mu      sync.Mutex
	entries map[string]entry[T]
}

// NewRegistry creates an empty registry. now may be nil to use the
// system clock.
func NewRegistry[T any](now func() time.Time) *Registry[T] {
	if now == nil {
		now = time.Now
	}
	return &Registry[T]{
		now:     now,
		entries: make(map[string]entry[T]),
	}
}

// TryPut registers value under key with the given lifetime. It returns
// false without modifying anything when a live entry already exists;
// this is the mutual-exclusion primitive for one-in-flight-per-key.
func (r *Registry[T]) TryPut(key string, value T, ttl time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok && r.now().Before(e.expiresAt) {
		return false
	}
	r.entries[key] = entry[T]{value: value, expiresAt: r.now().Add(ttl)}
	return true
}

// Get returns the live value for key, if any.
func (r *Registry[T]) Get(key string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok || !r.now().Before(e.expiresAt) {
		var zero T
		delete(r.entries, key)
		return zero, false
	}
	return e.value, true
}

// Delete removes key's entry, live or not.
func (r *Registry[T]) Delete(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}

// Active reports whether a live entry exists for key.
func (r *Registry[T]) Active(key string) bool {
	_, ok := r.Get(key)
	return ok
}

// Sweep removes all expired entries and returns how many were reaped.
func (r *Registry[T]) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	now := r.now()
	for key, e := range r.entries {
		if !now.Before(e.expiresAt) {
			delete(r.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries, including any not yet reaped.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
