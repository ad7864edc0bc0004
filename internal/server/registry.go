// Package server tracks which users are connected and which of their
// sessions are live via the Registry type.
package server

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Registry maps a user id to that user's live sessions. A user id is present
// if and only if it has at least one registered session.
type Registry struct {
	mutex    sync.RWMutex
	sessions map[uuid.UUID][]*Session
	lookups  atomic.Uint64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[uuid.UUID][]*Session),
	}
}

// Register appends the session to its user's list.
func (r *Registry) Register(session *Session) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.sessions[session.userID] = append(r.sessions[session.userID], session)
}

// Deregister removes a session and drops the user entry once it has no
// sessions left. Removing an absent session is a no-op and returns false.
func (r *Registry) Deregister(userID, sessionID uuid.UUID) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	sessions, ok := r.sessions[userID]
	if !ok {
		return false
	}

	for i, s := range sessions {
		if s.id != sessionID {
			continue
		}
		remaining := append(sessions[:i:i], sessions[i+1:]...)
		if len(remaining) == 0 {
			delete(r.sessions, userID)
		} else {
			r.sessions[userID] = remaining
		}
		return true
	}
	return false
}

// SessionsFor returns a snapshot of the user's live sessions. The caller may
// deliver to them without holding the registry lock.
func (r *Registry) SessionsFor(userID uuid.UUID) []*Session {
	r.lookups.Add(1)

	r.mutex.RLock()
	defer r.mutex.RUnlock()

	sessions := r.sessions[userID]
	if len(sessions) == 0 {
		return nil
	}
	return append([]*Session(nil), sessions...)
}

// Has reports whether the user has at least one live session.
func (r *Registry) Has(userID uuid.UUID) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	_, ok := r.sessions[userID]
	return ok
}

// UserCount returns the number of connected users.
func (r *Registry) UserCount() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return len(r.sessions)
}

// SessionCount returns the number of live sessions across all users.
func (r *Registry) SessionCount() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	count := 0
	for _, sessions := range r.sessions {
		count += len(sessions)
	}
	return count
}

// Lookups returns how many SessionsFor calls have been served.
func (r *Registry) Lookups() uint64 {
	return r.lookups.Load()
}

func (r *Registry) snapshot() []*Session {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var all []*Session
	for _, sessions := range r.sessions {
		all = append(all, sessions...)
	}
	return all
}
