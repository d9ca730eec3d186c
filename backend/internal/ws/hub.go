package ws

import "sync"

// Hub is the process-wide connection registry, used for the online-presence
// fan-out (user_online / user_offline). Document and channel fan-out lives
// with the session and chat managers respectively; the hub only knows who is
// connected.
type Hub struct {
	mu    sync.RWMutex
	conns map[*Conn]struct{}
	users map[uint64]int
}

func NewHub() *Hub {
	return &Hub{conns: make(map[*Conn]struct{}), users: make(map[uint64]int)}
}

// Register adds the connection and reports whether it is the user's first.
// A user with several tabs goes online once.
func (h *Hub) Register(c *Conn) (firstForUser bool) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.users[c.userID]++
	firstForUser = h.users[c.userID] == 1
	h.mu.Unlock()
	return firstForUser
}

// Unregister removes the connection and reports whether it was the user's
// last. Presence teardown must wait for the last one; earlier tabs closing
// leave the user online.
func (h *Hub) Unregister(c *Conn) (lastForUser bool) {
	h.mu.Lock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		h.users[c.userID]--
		if h.users[c.userID] <= 0 {
			delete(h.users, c.userID)
			lastForUser = true
		}
	}
	h.mu.Unlock()
	return lastForUser
}

// Broadcast enqueues msg on every connection except the given one. A user
// with several tabs gets one copy per connection.
func (h *Hub) Broadcast(except *Conn, msg OutboundMessage) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		if c == except {
			continue
		}
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Enqueue(msg)
	}
}
