// Package presence tracks which users hold a live socket connection.
package presence

import (
	"sort"
	"sync"
)

// Registry maps a user identifier to its live connection handle. A user has at
// most one entry; registering again replaces the previous handle.
type Registry[H comparable] struct {
	mu      sync.RWMutex
	entries map[string]H
}

// NewRegistry creates an empty registry.
func NewRegistry[H comparable]() *Registry[H] {
	return &Registry[H]{entries: make(map[string]H)}
}

// Register upserts the handle for userID and returns the handle it replaced, if any.
func (r *Registry[H]) Register(userID string, handle H) (previous H, replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous, replaced = r.entries[userID]
	r.entries[userID] = handle
	return previous, replaced
}

// Unregister removes userID. Removing an absent user is a no-op.
func (r *Registry[H]) Unregister(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, userID)
}

// UnregisterIf removes userID only while it is still bound to handle, so a
// stale connection closing late cannot evict its replacement.
func (r *Registry[H]) UnregisterIf(userID string, handle H) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.entries[userID]; ok && current == handle {
		delete(r.entries, userID)
		return true
	}
	return false
}

// Lookup returns the handle for userID.
func (r *Registry[H]) Lookup(userID string) (H, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.entries[userID]
	return h, ok
}

// ListOnline returns a sorted snapshot of connected user identifiers.
func (r *Registry[H]) ListOnline() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of connected users.
func (r *Registry[H]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Range calls fn for every entry until fn returns false. fn must not call back
// into the registry.
func (r *Registry[H]) Range(fn func(userID string, handle H) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, h := range r.entries {
		if !fn(id, h) {
			return
		}
	}
}
