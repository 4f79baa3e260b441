package server

import (
	"slices"
	"sync"
)

// Registry maps online usernames to their live Session. It is the only
// presence state shared between connection handlers.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session // username -> session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Register inserts s under username. It returns false, leaving the existing
// entry untouched, if the username is already online.
func (r *Registry) Register(username string, s *Session) bool {
	if username == "" || s == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[username]; exists {
		return false
	}
	r.sessions[username] = s
	return true
}

// Unregister removes username. Removing an absent name is a no-op.
func (r *Registry) Unregister(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, username)
}

// UnregisterSession removes s only if it is still the entry for its username,
// so a handler can never drop a session it does not own.
func (r *Registry) UnregisterSession(s *Session) bool {
	return r.release(s.Username(), s)
}

// release removes username only while it still maps to s.
func (r *Registry) release(username string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[username]; ok && cur == s {
		delete(r.sessions, username)
		return true
	}
	return false
}

// Lookup returns the live session for username.
func (r *Registry) Lookup(username string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[username]
	return s, ok
}

// Snapshot returns the online usernames, sorted. It may be stale by the time
// the caller uses it.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

// Sessions returns the registered sessions (snapshot).
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s)
	}
	return result
}

// Count returns the number of online users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
