// Package presence is the explicit online-user registry: one process-wide
// set of connected users plus a per-document active-member view. A Tracker
// is constructed at startup and passed by reference to the components that
// need it; there is no ambient global registry.
package presence

import (
	"context"
	"time"
)

type Member struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

// Tracker entries are created on transport connect and removed on
// disconnect. TTLs exist for the distributed implementation, where a crashed
// node cannot deliver its disconnects; the transport's heartbeat refreshes
// them.
type Tracker interface {
	UserOnline(ctx context.Context, m Member, ttl time.Duration) error
	UserOffline(ctx context.Context, userID uint64) error
	OnlineUsers(ctx context.Context) ([]Member, error)

	JoinDocument(ctx context.Context, docID string, m Member, ttl time.Duration) error
	LeaveDocument(ctx context.Context, docID string, userID uint64) error
	DocumentMembers(ctx context.Context, docID string) ([]Member, error)
}
