// Package syncx provides small generic synchronization helpers.
package syncx

import "sync"

// Guard holds a value behind an RWMutex and only exposes it through
// scoped callbacks, so no caller can forget to unlock.
type Guard[T any] struct {
	mu    sync.RWMutex
	value T
}

// NewGuard creates a guarded value.
func NewGuard[T any](initial T) *Guard[T] {
	return &Guard[T]{value: initial}
}

// Get returns a copy of the value (T should be a value type).
func (g *Guard[T]) Get() T {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.value
}

// Set replaces the value.
func (g *Guard[T]) Set(v T) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value = v
}

// Write runs fn with the write lock held.
func (g *Guard[T]) Write(fn func(*T)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(&g.value)
}

// TryUpdate runs fn with the write lock held and returns its verdict. It is
// the check-and-set primitive: fn inspects the value, mutates it only when
// the check passes, and reports whether it did.
func (g *Guard[T]) TryUpdate(fn func(*T) bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn(&g.value)
}

// Read runs fn under the read lock and returns its typed result.
func Read[T, R any](g *Guard[T], fn func(T) R) R {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return fn(g.value)
}
