package session

import (
	"time"

	"collabEngine/backend/internal/collab"
)

type ParticipantStatus string

const (
	StatusViewing ParticipantStatus = "viewing"
	StatusEditing ParticipantStatus = "editing"
)

type Cursor struct {
	Field  string `json:"field"`
	Offset int    `json:"offset"`
}

// Participant is one user's presence inside a session.
type Participant struct {
	UserID   uint64            `json:"userId"`
	Username string            `json:"username"`
	Avatar   string            `json:"avatar,omitempty"`
	Status   ParticipantStatus `json:"status"`
	Cursor   *Cursor           `json:"cursor,omitempty"`
	LastSeen time.Time         `json:"lastSeen"`
}

// StatusChange is the delta rebroadcast by updateParticipantStatus. Only the
// delta goes on the wire; full participant snapshots are join-time only.
type StatusChange struct {
	Status ParticipantStatus `json:"status,omitempty"`
	Cursor *Cursor           `json:"cursor,omitempty"`
}

// Server -> client session events. Each one satisfies the transport's
// outbound-message contract via MessageType.

type DocumentStateEvent struct {
	Type         string               `json:"type"` // fixed "document_state"
	State        collab.DocumentState `json:"state"`
	Participants []Participant        `json:"participants"`
	LockedBy     uint64               `json:"lockedBy,omitempty"`
}

func (e DocumentStateEvent) MessageType() string { return e.Type }

// DocumentOperationEvent carries an applied operation to every participant
// except its author, who gets an OperationAckEvent instead.
type DocumentOperationEvent struct {
	Type     string               `json:"type"` // fixed "document_operation"
	DocID    string               `json:"docId"`
	Op       collab.EditOperation `json:"operation"`
	Revision uint64               `json:"revision"`
	UserID   uint64               `json:"userId"`
}

func (e DocumentOperationEvent) MessageType() string { return e.Type }

type OperationAckEvent struct {
	Type        string `json:"type"` // fixed "operation_ack"
	DocID       string `json:"docId"`
	OperationID string `json:"operationId"`
	Revision    uint64 `json:"revision"`
}

func (e OperationAckEvent) MessageType() string { return e.Type }

type OperationErrorEvent struct {
	Type        string `json:"type"` // fixed "operation_error"
	DocID       string `json:"docId"`
	OperationID string `json:"operationId"`
	Error       string `json:"error"`
}

func (e OperationErrorEvent) MessageType() string { return e.Type }

type DocumentLockedEvent struct {
	Type   string `json:"type"` // fixed "document_locked"
	DocID  string `json:"docId"`
	UserID uint64 `json:"userId"`
}

func (e DocumentLockedEvent) MessageType() string { return e.Type }

type DocumentUnlockedEvent struct {
	Type  string `json:"type"` // fixed "document_unlocked"
	DocID string `json:"docId"`
}

func (e DocumentUnlockedEvent) MessageType() string { return e.Type }

type UserJoinedDocumentEvent struct {
	Type     string `json:"type"` // fixed "user_joined_document"
	DocID    string `json:"docId"`
	UserID   uint64 `json:"userId"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

func (e UserJoinedDocumentEvent) MessageType() string { return e.Type }

type UserLeftDocumentEvent struct {
	Type   string `json:"type"` // fixed "user_left_document"
	DocID  string `json:"docId"`
	UserID uint64 `json:"userId"`
}

func (e UserLeftDocumentEvent) MessageType() string { return e.Type }

type ParticipantStatusChangedEvent struct {
	Type    string       `json:"type"` // fixed "participant_status_changed"
	DocID   string       `json:"docId"`
	UserID  uint64       `json:"userId"`
	Changes StatusChange `json:"changes"`
}

func (e ParticipantStatusChangedEvent) MessageType() string { return e.Type }
