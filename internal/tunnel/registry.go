package tunnel

import "sync"

// Registry is a thread-safe, in-memory store of live tunnel links, keyed by
// session identifier. At most one live link per session is tracked; a
// reattaching developer supersedes the previous link.
type Registry struct {
	mu    sync.RWMutex
	links map[string]*Link
}

// NewRegistry returns an initialised, empty Registry.
func NewRegistry() *Registry {
	return &Registry{links: make(map[string]*Link)}
}

// Attach stores l as the live link for its session and returns the link it
// superseded, if any. The caller must close the returned link with
// CloseReplaced so its outstanding requests fail before it is released;
// closing is deliberately not done here to keep lock scopes small.
func (r *Registry) Attach(l *Link) *Link {
	r.mu.Lock()
	old := r.links[l.SessionID]
	r.links[l.SessionID] = l
	r.mu.Unlock()
	if old == l {
		return nil
	}
	return old
}

// Detach removes the entry for sessionID only when the stored link is the
// given instance. A closing superseded link therefore never removes its
// replacement.
func (r *Registry) Detach(sessionID, linkID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.links[sessionID]; ok && l.ID == linkID {
		delete(r.links, sessionID)
		return true
	}
	return false
}

// Get returns the live link for sessionID, or (nil, false) when the session
// has no attached developer.
func (r *Registry) Get(sessionID string) (*Link, bool) {
	r.mu.RLock()
	l, ok := r.links[sessionID]
	r.mu.RUnlock()
	return l, ok
}

// Len returns the number of attached links.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.links)
}

// All returns a snapshot of the attached links. The returned slice is a
// copy; the caller may iterate it without holding any lock.
func (r *Registry) All() []*Link {
	r.mu.RLock()
	out := make([]*Link, 0, len(r.links))
	for _, l := range r.links {
		out = append(out, l)
	}
	r.mu.RUnlock()
	return out
}
