package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/treykane/termssh/internal/model"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrClosed   = errors.New("session closed")
)

// Registry maps session IDs to sessions. Its lock only guards the table;
// callers take a session's own lock after Get returns.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Insert adds s. The first session of a group becomes its primary; Insert
// reports whether s was made primary.
func (r *Registry) Insert(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.primary = r.primaryLocked(s.Group) == nil
	r.sessions[s.ID] = s
	return s.primary
}

// InsertSecondary adds s without making it primary, even if its group has
// none. Split sessions use it.
func (r *Registry) InsertSecondary(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.primary = false
	r.sessions[s.ID] = s
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// Remove deletes the session. If it was its group's primary, the oldest
// remaining member of the group is promoted.
func (r *Registry) Remove(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.sessions, id)
	if s.primary {
		s.primary = false
		var next *Session
		for _, other := range r.sessions {
			if other.Group != s.Group {
				continue
			}
			if next == nil || other.CreatedAt.Before(next.CreatedAt) {
				next = other
			}
		}
		if next != nil {
			next.primary = true
		}
	}
	return s, nil
}

// Primary returns the primary session of group.
func (r *Registry) Primary(group string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s := r.primaryLocked(group); s != nil {
		return s, nil
	}
	return nil, fmt.Errorf("%w: no primary session for group %s", ErrNotFound, group)
}

// IsPrimary reports the primary flag of the session with id.
func (r *Registry) IsPrimary(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return ok && s.primary
}

func (r *Registry) primaryLocked(group string) *Session {
	for _, s := range r.sessions {
		if s.Group == group && s.primary {
			return s
		}
	}
	return nil
}

// IDs returns every session ID.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

// List returns a snapshot ordered by creation time. Mode is read without
// waiting on busy sessions.
func (r *Registry) List() []model.SessionInfo {
	r.mu.RLock()
	items := make([]*Session, 0, len(r.sessions))
	primary := make(map[string]bool, len(r.sessions))
	for _, s := range r.sessions {
		items = append(items, s)
		primary[s.ID] = s.primary
	}
	r.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	out := make([]model.SessionInfo, 0, len(items))
	for _, s := range items {
		info := model.SessionInfo{
			ID:        s.ID,
			Group:     s.Group,
			Host:      s.Host,
			Port:      s.Port,
			User:      s.User,
			Auth:      s.Auth.Method,
			Primary:   primary[s.ID],
			CreatedAt: s.CreatedAt,
			Mode:      "busy",
		}
		if s.opMu.TryLock() {
			info.Mode = s.mode.String()
			s.opMu.Unlock()
		}
		out = append(out, info)
	}
	return out
}
