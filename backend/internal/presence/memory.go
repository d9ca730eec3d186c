package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryTracker keeps presence in process memory. Suited to single-node
// deployments and tests; TTLs are ignored because disconnect notification is
// reliable inside one process.
type MemoryTracker struct {
	mu     sync.RWMutex
	online map[uint64]Member
	docs   map[string]map[uint64]Member
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		online: make(map[uint64]Member),
		docs:   make(map[string]map[uint64]Member),
	}
}

func (t *MemoryTracker) UserOnline(_ context.Context, m Member, _ time.Duration) error {
	t.mu.Lock()
	t.online[m.UserID] = m
	t.mu.Unlock()
	return nil
}

func (t *MemoryTracker) UserOffline(_ context.Context, userID uint64) error {
	t.mu.Lock()
	delete(t.online, userID)
	// Offline implies gone from every document view as well.
	for docID, members := range t.docs {
		delete(members, userID)
		if len(members) == 0 {
			delete(t.docs, docID)
		}
	}
	t.mu.Unlock()
	return nil
}

func (t *MemoryTracker) OnlineUsers(_ context.Context) ([]Member, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return sortedMembers(t.online), nil
}

func (t *MemoryTracker) JoinDocument(_ context.Context, docID string, m Member, _ time.Duration) error {
	t.mu.Lock()
	if t.docs[docID] == nil {
		t.docs[docID] = make(map[uint64]Member)
	}
	t.docs[docID][m.UserID] = m
	t.mu.Unlock()
	return nil
}

func (t *MemoryTracker) LeaveDocument(_ context.Context, docID string, userID uint64) error {
	t.mu.Lock()
	if members, ok := t.docs[docID]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(t.docs, docID)
		}
	}
	t.mu.Unlock()
	return nil
}

func (t *MemoryTracker) DocumentMembers(_ context.Context, docID string) ([]Member, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return sortedMembers(t.docs[docID]), nil
}

func sortedMembers(in map[uint64]Member) []Member {
	out := make([]Member, 0, len(in))
	for _, m := range in {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
