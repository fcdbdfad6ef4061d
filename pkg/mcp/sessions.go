package mcp

import (
	"slices"
	"sync"
)

// WatchRegistry maps instance IDs to the MCP sessions watching them.
// Populated when a client calls lifecycle.status with watch=true.
type WatchRegistry struct {
	mu       sync.RWMutex
	watchers map[string][]string // instanceID → sessionIDs
}

// NewWatchRegistry creates a new empty WatchRegistry.
func NewWatchRegistry() *WatchRegistry {
	return &WatchRegistry{watchers: make(map[string][]string)}
}

// Watch subscribes a session to an instance. Watching twice is a no-op.
func (r *WatchRegistry) Watch(instanceID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slices.Contains(r.watchers[instanceID], sessionID) {
		return
	}
	r.watchers[instanceID] = append(r.watchers[instanceID], sessionID)
}

// SessionsFor returns the sessions watching the instance.
func (r *WatchRegistry) SessionsFor(instanceID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.watchers[instanceID])
}

// Forget drops every watch on the instance.
func (r *WatchRegistry) Forget(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watchers, instanceID)
}

// Remove deletes all watches held by the given session.
// Called when a session disconnects.
func (r *WatchRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sids := range r.watchers {
		sids = slices.DeleteFunc(sids, func(s string) bool { return s == sessionID })
		if len(sids) == 0 {
			delete(r.watchers, id)
		} else {
			r.watchers[id] = sids
		}
	}
}
