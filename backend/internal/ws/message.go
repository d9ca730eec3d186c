package ws

import (
	"collabEngine/backend/internal/chat"
	"collabEngine/backend/internal/collab"
	"collabEngine/backend/internal/presence"
	"collabEngine/backend/internal/session"
)

// ClientMessage is the single inbound envelope; Type selects which fields
// matter.
type ClientMessage struct {
	Type string `json:"type"`

	// document events
	DocID        string                    `json:"docId,omitempty"`
	DocType      string                    `json:"docType,omitempty"`
	BaseRevision uint64                    `json:"baseRevision,omitempty"`
	Operation    *collab.EditOperation     `json:"operation,omitempty"`
	Status       session.ParticipantStatus `json:"status,omitempty"`
	Cursor       *session.Cursor           `json:"cursor,omitempty"`
	Resolution   *collab.Resolution        `json:"resolution,omitempty"`

	// chat events
	ChannelID string           `json:"channelId,omitempty"`
	Content   string           `json:"content,omitempty"`
	Kind      chat.MessageKind `json:"kind,omitempty"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
}

// OutboundMessage is anything the write loop will put on the wire. Session
// and chat events satisfy it without importing this package.
type OutboundMessage interface {
	MessageType() string
}

type WelcomeMessage struct {
	Type     string `json:"type"` // fixed "welcome"
	ConnID   string `json:"connId"`
	UserID   uint64 `json:"userId"`
	Username string `json:"username"`
}

func (m WelcomeMessage) MessageType() string { return m.Type }

type FeedbackMessage struct {
	Type    string `json:"type"` // fixed "feedback"
	Content string `json:"content"`
}

func (m FeedbackMessage) MessageType() string { return m.Type }

// ErrorMessage carries operation-level and command-level failures back to
// the offending client only; errors are never broadcast.
type ErrorMessage struct {
	Type  string `json:"type"` // fixed "error"
	Code  string `json:"code"`
	DocID string `json:"docId,omitempty"`
}

func (m ErrorMessage) MessageType() string { return m.Type }

type UserOnlineEvent struct {
	Type string          `json:"type"` // fixed "user_online"
	User presence.Member `json:"user"`
}

func (m UserOnlineEvent) MessageType() string { return m.Type }

type UserOfflineEvent struct {
	Type   string `json:"type"` // fixed "user_offline"
	UserID uint64 `json:"userId"`
}

func (m UserOfflineEvent) MessageType() string { return m.Type }

type OnlineUsersEvent struct {
	Type  string            `json:"type"` // fixed "online_users"
	Users []presence.Member `json:"users"`
}

func (m OnlineUsersEvent) MessageType() string { return m.Type }

// ConflictDetectedEvent tells the client a remote operation collided with
// its outstanding local edits; the operation was not applied locally and the
// field is blocked until a resolution comes back.
type ConflictDetectedEvent struct {
	Type     string           `json:"type"` // fixed "conflict_detected"
	DocID    string           `json:"docId"`
	Conflict *collab.Conflict `json:"conflict"`
}

func (m ConflictDetectedEvent) MessageType() string { return m.Type }

type ConflictResolvedEvent struct {
	Type        string `json:"type"` // fixed "conflict_resolved"
	DocID       string `json:"docId"`
	ConflictID  string `json:"conflictId"`
	Field       string `json:"field"`
	Value       string `json:"value"`
	Resubmitted bool   `json:"resubmitted"`
}

func (m ConflictResolvedEvent) MessageType() string { return m.Type }

// ResyncRequiredEvent is sent when pending operations aged out without an
// acknowledgment; a fresh document_state follows for each affected document.
type ResyncRequiredEvent struct {
	Type       string   `json:"type"` // fixed "resync_required"
	ExpiredOps []string `json:"expiredOps"`
}

func (m ResyncRequiredEvent) MessageType() string { return m.Type }
