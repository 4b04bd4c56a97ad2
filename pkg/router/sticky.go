package router

import (
	"sync"
	"time"
)

// stickyBinding pins a session to an endpoint for as long as it stays
// active within the configured timeout.
type stickyBinding struct {
	endpointID string
	lastSeen   time.Time
}

// sessionTable is the in-process, non-persistent store of sticky bindings.
type sessionTable struct {
	mu       sync.Mutex
	sessions map[string]*stickyBinding
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[string]*stickyBinding)}
}

// lookup returns the bound endpoint id for sessionID if the binding exists
// and has not expired, refreshing its timestamp.
func (t *sessionTable) lookup(sessionID string, now time.Time, timeout time.Duration) (string, bool) {
	if sessionID == "" {
		return "", false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.sessions[sessionID]
	if !ok {
		return "", false
	}
	if now.Sub(b.lastSeen) > timeout {
		delete(t.sessions, sessionID)
		return "", false
	}
	b.lastSeen = now
	return b.endpointID, true
}

// bind records a new or refreshed session -> endpoint binding.
func (t *sessionTable) bind(sessionID, endpointID string, now time.Time) {
	if sessionID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[sessionID] = &stickyBinding{endpointID: endpointID, lastSeen: now}
}

// sweep purges bindings idle longer than timeout, returning the count
// removed.
func (t *sessionTable) sweep(now time.Time, timeout time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, b := range t.sessions {
		if now.Sub(b.lastSeen) > timeout {
			delete(t.sessions, id)
			removed++
		}
	}
	return removed
}

func (t *sessionTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
