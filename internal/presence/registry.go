package presence

import (
	"sort"
	"sync"
)

// Handle is a live connection a user can receive pushes on.
type Handle interface {
	SessionID() string
}

// Registry maps user ids to their live connection handles.
//
// In single-device mode (the default) the last connection to register wins and
// earlier handles for the same user stop receiving pushes. In multi-device mode
// every registered handle is kept. Unregister only removes the handle it is given,
// so a late disconnect of a replaced session cannot evict its replacement.
type Registry struct {
	mu          sync.RWMutex
	users       map[string][]Handle
	multiDevice bool
}

func NewRegistry(multiDevice bool) *Registry {
	return &Registry{users: make(map[string][]Handle), multiDevice: multiDevice}
}

// Register records h for userID and reports whether the user just came online.
func (r *Registry) Register(userID string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing := r.users[userID]
	if !r.multiDevice {
		r.users[userID] = []Handle{h}
		return len(existing) == 0
	}
	for _, e := range existing {
		if e.SessionID() == h.SessionID() {
			return false
		}
	}
	r.users[userID] = append(existing, h)
	return len(existing) == 0
}

// Unregister removes h for userID if it is still registered. It reports whether
// the mapping changed and whether the user is now offline.
func (r *Registry) Unregister(userID string, h Handle) (removed, offline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing := r.users[userID]
	for i, e := range existing {
		if e.SessionID() != h.SessionID() {
			continue
		}
		rest := make([]Handle, 0, len(existing)-1)
		rest = append(rest, existing[:i]...)
		rest = append(rest, existing[i+1:]...)
		if len(rest) == 0 {
			delete(r.users, userID)
			return true, true
		}
		r.users[userID] = rest
		return true, false
	}
	return false, false
}

// Lookup returns the live handles of userID, or nil when offline.
func (r *Registry) Lookup(userID string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hs := r.users[userID]
	if len(hs) == 0 {
		return nil
	}
	out := make([]Handle, len(hs))
	copy(out, hs)
	return out
}

// IsOnline reports whether userID has at least one handle.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// Online returns the sorted presence set.
func (r *Registry) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.users))
	for id := range r.users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len is the number of online users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
