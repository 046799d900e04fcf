package server

import (
	"maps"
	"slices"
	"sync"
)

// SessionManager manages all active sessions.
type SessionManager struct {
	sessions map[string]*Session // Map of active sessions keyed by session id
	lock     sync.RWMutex        // Protects the sessions map
}

func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
	}
}

// Add adds a new session for the client.
func (manager *SessionManager) Add(id string, session *Session) {
	manager.lock.Lock()
	defer manager.lock.Unlock()
	manager.sessions[id] = session
}

// TryAdd adds the session unless limit sessions are already active, limit <= 0 means no limit.
func (manager *SessionManager) TryAdd(id string, session *Session, limit int) bool {
	manager.lock.Lock()
	defer manager.lock.Unlock()
	if limit > 0 && len(manager.sessions) >= limit {
		return false
	}
	manager.sessions[id] = session
	return true
}

// Get retrieves a session by its ID.
func (manager *SessionManager) Get(id string) (*Session, bool) {
	manager.lock.RLock()
	defer manager.lock.RUnlock()
	session, exists := manager.sessions[id]
	return session, exists
}

// Remove removes a session by its ID.
func (manager *SessionManager) Remove(id string) {
	manager.lock.Lock()
	defer manager.lock.Unlock()
	delete(manager.sessions, id)
}

// Count returns the number of active sessions.
func (manager *SessionManager) Count() int {
	manager.lock.RLock()
	defer manager.lock.RUnlock()
	return len(manager.sessions)
}

// List returns a snapshot of the active sessions.
func (manager *SessionManager) List() []*Session {
	manager.lock.RLock()
	defer manager.lock.RUnlock()
	return slices.Collect(maps.Values(manager.sessions))
}
