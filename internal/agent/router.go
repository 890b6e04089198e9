// ABOUTME: Session routing table mapping session ids to connection ids.
// ABOUTME: Lets session-scoped calls reach the owning connection.

package agent

import (
	"sort"
	"sync"
)

// Router maps each session id to exactly one connection id.
type Router struct {
	mu       sync.RWMutex
	sessions map[string]string
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{sessions: make(map[string]string)}
}

// Bind routes sessionID to connectionID, replacing any previous owner.
// It returns the previous owner, if any.
func (r *Router) Bind(sessionID, connectionID string) (previous string, replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous, replaced = r.sessions[sessionID]
	r.sessions[sessionID] = connectionID
	return previous, replaced && previous != connectionID
}

// Lookup returns the connection that owns sessionID.
func (r *Router) Lookup(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.sessions[sessionID]
	return id, ok
}

// Unbind removes sessionID only while it is still routed to connectionID.
func (r *Router) Unbind(sessionID, connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[sessionID] != connectionID {
		return false
	}
	delete(r.sessions, sessionID)
	return true
}

// UnbindConnection removes every session routed to connectionID and
// returns how many were removed.
func (r *Router) UnbindConnection(connectionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for sid, cid := range r.sessions {
		if cid == connectionID {
			delete(r.sessions, sid)
			n++
		}
	}
	return n
}

// Sessions lists the session ids routed to connectionID, sorted.
func (r *Router) Sessions(connectionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for sid, cid := range r.sessions {
		if cid == connectionID {
			out = append(out, sid)
		}
	}
	sort.Strings(out)
	return out
}
