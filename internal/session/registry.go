package session

import (
	"context"
	"sort"
	"sync"
)

// Registry owns every Session in the process, keyed by Identity. Sessions
// are created on first use and live until the process exits.
type Registry struct {
	opts Options

	mu       sync.RWMutex
	sessions map[Identity]*Session
}

func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:     opts,
		sessions: make(map[Identity]*Session),
	}
}

// GetOrCreate returns the session for id, creating it at most once.
func (r *Registry) GetOrCreate(id Identity) *Session {
	r.mu.RLock()
	s := r.sessions[id]
	r.mu.RUnlock()
	if s != nil {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.sessions[id]; s != nil {
		return s
	}
	s = New(id, r.opts)
	r.sessions[id] = s
	return s
}

// Get returns the session for id without creating one.
func (r *Registry) Get(id Identity) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// All returns a snapshot of every session, ordered by chat then user.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i].id, all[j].id
		if a.ChatID != b.ChatID {
			return a.ChatID < b.ChatID
		}
		return a.UserID < b.UserID
	})
	return all
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// StopAll cooperatively stops the live tasks of every session and returns
// how many were asked to stop.
func (r *Registry) StopAll(ctx context.Context) int {
	n := 0
	for _, s := range r.All() {
		n += s.StopAllTasks(ctx)
	}
	return n
}
