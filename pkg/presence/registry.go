// Package presence tracks which authenticated user is bound to which session.
package presence

import (
	"sort"
	"sync"
)

// Registry maps usernames to opaque session ids. One entry per username; a
// later login for the same name replaces the earlier binding.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]string // username -> session id
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]string)}
}

// Login binds username to id. It returns the id that was previously bound to
// username, if any. The previous session is left untouched.
func (r *Registry) Login(username, id string) (replaced string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	replaced, ok = r.entries[username]
	if ok && replaced == id {
		return "", false
	}
	r.entries[username] = id
	return replaced, ok
}

// Logout removes every entry bound to id and returns the usernames removed
func (r *Registry) Logout(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for username, sid := range r.entries {
		if sid == id {
			delete(r.entries, username)
			removed = append(removed, username)
		}
	}
	sort.Strings(removed)
	return removed
}

func (r *Registry) Lookup(username string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.entries[username]
	return id, ok
}

// Usernames returns a sorted copy of the registered usernames
func (r *Registry) Usernames() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.entries))
	for username := range r.entries {
		out = append(out, username)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// IDs returns a copy of the bound session ids
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.entries))
	for _, id := range r.entries {
		out = append(out, id)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
