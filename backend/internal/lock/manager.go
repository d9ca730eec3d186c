// Package lock owns exclusive-edit lock state for collaborative sessions.
// The lock is advisory by default: holding it does not stop the applier from
// accepting operations unless strict enforcement is configured at the
// session layer.
package lock

import (
	"sync"

	"collabEngine/backend/internal/collab"
)

type Manager struct {
	mu      sync.Mutex
	holders map[string]uint64 // session key -> holder user id
}

func NewManager() *Manager {
	return &Manager{holders: make(map[string]uint64)}
}

// Acquire grants the lock to userID if the session is unlocked. Re-acquiring
// a lock you already hold is a no-op; a lock held by anyone else fails with
// ErrLockConflict.
func (m *Manager) Acquire(sessionKey string, userID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if holder, ok := m.holders[sessionKey]; ok {
		if holder == userID {
			return nil
		}
		return collab.ErrLockConflict
	}
	m.holders[sessionKey] = userID
	return nil
}

// Release clears the lock; only the current holder may release.
func (m *Manager) Release(sessionKey string, userID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	holder, ok := m.holders[sessionKey]
	if !ok || holder != userID {
		return collab.ErrLockConflict
	}
	delete(m.holders, sessionKey)
	return nil
}

// ForceRelease clears the lock regardless of caller, returning the previous
// holder. Used by the session manager on holder disconnect.
func (m *Manager) ForceRelease(sessionKey string) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	holder, ok := m.holders[sessionKey]
	delete(m.holders, sessionKey)
	return holder, ok
}

// Holder reports the current lock holder, if any.
func (m *Manager) Holder(sessionKey string) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	holder, ok := m.holders[sessionKey]
	return holder, ok
}
