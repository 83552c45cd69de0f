package session

import (
	"sync"

	"outreach-control-plane/internal/browser"
)

// liveHandle is one live browser context tracked by the manager.
type liveHandle struct {
	page browser.Page
}

// stop closes the page; in-flight navigations and evals against it fail
// immediately, which is the cancellation contract for a session stop.
func (h *liveHandle) stop() {
	if h == nil || h.page == nil {
		return
	}
	_ = h.page.Close()
}

// registry is the explicit session-handle map keyed by (tenant, workspace).
// Insertion happens on connect/restore, eviction on disconnect, stop, and
// invalidation; nothing else touches it.
type registry struct {
	mu      sync.Mutex
	handles map[string]*liveHandle
	pairMu  map[string]*sync.Mutex
}

func newRegistry() *registry {
	return &registry{
		handles: make(map[string]*liveHandle),
		pairMu:  make(map[string]*sync.Mutex),
	}
}

func pairKey(tenantID, workspaceID string) string {
	return tenantID + "/" + workspaceID
}

// lockPair serializes all live-session work for one pair. Returns the unlock func.
func (r *registry) lockPair(tenantID, workspaceID string) func() {
	key := pairKey(tenantID, workspaceID)
	r.mu.Lock()
	m, ok := r.pairMu[key]
	if !ok {
		m = &sync.Mutex{}
		r.pairMu[key] = m
	}
	r.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (r *registry) get(tenantID, workspaceID string) (*liveHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[pairKey(tenantID, workspaceID)]
	return h, ok
}

// put tracks a new handle, stopping any handle it replaces.
func (r *registry) put(tenantID, workspaceID string, h *liveHandle) {
	key := pairKey(tenantID, workspaceID)
	r.mu.Lock()
	old := r.handles[key]
	r.handles[key] = h
	r.mu.Unlock()
	old.stop()
}

// evict removes and returns the pair's handle, if any.
func (r *registry) evict(tenantID, workspaceID string) *liveHandle {
	key := pairKey(tenantID, workspaceID)
	r.mu.Lock()
	h := r.handles[key]
	delete(r.handles, key)
	r.mu.Unlock()
	return h
}
