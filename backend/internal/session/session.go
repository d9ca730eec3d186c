package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"collabEngine/backend/internal/collab"
)

// Client is a session participant's connection. Enqueue must never block;
// DeliverOperation gives the transport a chance to run conflict detection
// before the remote operation reaches the user. Ack/Reject reconcile the
// client's optimistic pending table.
type Client interface {
	ConnID() string
	Enqueue(msg any)
	DeliverOperation(docID string, op collab.EditOperation, revision uint64)
	AckOperation(docID, opID string, revision uint64)
	RejectOperation(docID, opID string, err error)
}

// Actor mailbox commands. One command is processed at a time per document,
// which is the single-writer serialization the revision counter relies on.
type command interface{}

type joinCmd struct {
	client Client
	part   Participant
	done   chan error
}

type leaveCmd struct {
	connID string
	done   chan error // nil for fire-and-forget (disconnect cascade)
}

type submitCmd struct {
	connID       string
	baseRevision uint64
	op           collab.EditOperation
}

type lockCmd struct {
	connID string
	userID uint64
	unlock bool
	done   chan error
}

type statusCmd struct {
	connID string
	change StatusChange
}

type snapshotCmd struct {
	connID        string
	sinceRevision uint64
}

type saveCmd struct {
	done chan error
}

type member struct {
	client Client
	part   Participant
}

// Session is the live collaboration context for one document. All state it
// owns (participant set, the operation log) is touched only by its actor
// goroutine; the outside world talks to it through the mailbox.
type Session struct {
	docType string
	docID   string
	key     string

	mgr *Manager
	log *collab.OpLog

	participants map[string]*member // conn id -> member

	inbox chan command

	mu     sync.Mutex
	closed bool

	partCount  atomic.Int64
	lastActive atomic.Int64 // unix nano
	// revision mirrors the log's revision for lock-free reads outside the
	// actor (resubmission after conflict resolution).
	revision atomic.Uint64
}

func sessionKey(docType, docID string) string { return docType + "/" + docID }

func newSession(mgr *Manager, docType, docID string, log *collab.OpLog) *Session {
	s := &Session{
		docType:      docType,
		docID:        docID,
		key:          sessionKey(docType, docID),
		mgr:          mgr,
		log:          log,
		participants: make(map[string]*member),
		inbox:        make(chan command, mgr.opt.InboxSize),
	}
	s.revision.Store(log.Revision())
	s.touch()
	go s.run()
	return s
}

func (s *Session) touch() { s.lastActive.Store(time.Now().UnixNano()) }

func (s *Session) idleSince() time.Time { return time.Unix(0, s.lastActive.Load()) }

// dispatch hands a command to the actor. It never blocks: a closed session
// tells the caller to retry against a fresh one, a full inbox rejects
// outright instead of queueing indefinitely.
func (s *Session) dispatch(cmd command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return collab.ErrSessionClosed
	}
	select {
	case s.inbox <- cmd:
		return nil
	default:
		return collab.ErrSessionBacklog
	}
}

func (s *Session) run() {
	for cmd := range s.inbox {
		s.touch()
		switch c := cmd.(type) {
		case joinCmd:
			c.done <- s.handleJoin(c)
		case leaveCmd:
			err := s.handleLeave(c.connID)
			if c.done != nil {
				c.done <- err
			}
		case submitCmd:
			s.handleSubmit(c)
		case lockCmd:
			c.done <- s.handleLock(c)
		case statusCmd:
			s.handleStatus(c)
		case snapshotCmd:
			s.handleSnapshot(c)
		case saveCmd:
			c.done <- s.handleSave()
		}
	}
}

func (s *Session) handleJoin(c joinCmd) error {
	connID := c.client.ConnID()
	if existing, ok := s.participants[connID]; ok {
		// Idempotent join: refresh presence and resend the snapshot.
		existing.part.LastSeen = time.Now()
		existing.client.Enqueue(s.stateEvent())
		return nil
	}

	c.part.LastSeen = time.Now()
	if c.part.Status == "" {
		c.part.Status = StatusViewing
	}
	s.participants[connID] = &member{client: c.client, part: c.part}
	s.partCount.Store(int64(len(s.participants)))

	s.mgr.trackJoin(s.docID, c.part)

	s.broadcast(connID, UserJoinedDocumentEvent{
		Type:     "user_joined_document",
		DocID:    s.docID,
		UserID:   c.part.UserID,
		Username: c.part.Username,
		Avatar:   c.part.Avatar,
	})
	c.client.Enqueue(s.stateEvent())
	return nil
}

func (s *Session) handleLeave(connID string) error {
	m, ok := s.participants[connID]
	if !ok {
		return nil
	}
	delete(s.participants, connID)
	s.partCount.Store(int64(len(s.participants)))

	userGone := true
	for _, other := range s.participants {
		if other.part.UserID == m.part.UserID {
			userGone = false
			break
		}
	}
	if userGone {
		s.mgr.trackLeave(s.docID, m.part.UserID)
		// A departing lock holder releases implicitly.
		if holder, held := s.mgr.locks.Holder(s.key); held && holder == m.part.UserID {
			s.mgr.locks.ForceRelease(s.key)
			s.broadcast("", DocumentUnlockedEvent{Type: "document_unlocked", DocID: s.docID})
		}
		// Announced only when the last tab leaves; a user closing one of
		// several tabs has not left the document.
		s.broadcast("", UserLeftDocumentEvent{Type: "user_left_document", DocID: s.docID, UserID: m.part.UserID})
	}

	if len(s.participants) == 0 {
		s.mgr.retire(s)
	}
	return nil
}

func (s *Session) handleSubmit(c submitCmd) {
	origin, ok := s.participants[c.connID]
	if !ok {
		return
	}

	if s.mgr.opt.EnforceLock {
		if holder, held := s.mgr.locks.Holder(s.key); held && holder != c.op.UserID {
			origin.client.RejectOperation(s.docID, c.op.ID, collab.ErrLockConflict)
			return
		}
	}

	applied, err := s.log.Apply(c.op, c.baseRevision)
	if err != nil {
		origin.client.RejectOperation(s.docID, c.op.ID, err)
		return
	}

	s.revision.Store(applied.Revision)

	// The author sees its acknowledgment before anyone can observe a later
	// operation that depends on this revision: both happen inside this one
	// actor iteration.
	origin.client.AckOperation(s.docID, applied.Op.ID, applied.Revision)
	for connID, m := range s.participants {
		if connID == c.connID {
			continue
		}
		m.client.DeliverOperation(s.docID, applied.Op, applied.Revision)
	}

	if s.mgr.dispatcher != nil {
		s.mgr.dispatcher.TryEnqueue(collab.DocOpEvent{
			EventType:    "OP_APPLIED",
			DocID:        s.docID,
			DocType:      s.docType,
			OperationID:  applied.Op.ID,
			Revision:     applied.Revision,
			AuthorID:     applied.Op.UserID,
			BaseRevision: c.baseRevision,
			Op:           applied.Op,
			AppliedAt:    applied.AppliedAt,
		})
	}
}

func (s *Session) handleLock(c lockCmd) error {
	if c.unlock {
		if err := s.mgr.locks.Release(s.key, c.userID); err != nil {
			return err
		}
		s.broadcast("", DocumentUnlockedEvent{Type: "document_unlocked", DocID: s.docID})
		return nil
	}
	if err := s.mgr.locks.Acquire(s.key, c.userID); err != nil {
		return err
	}
	s.broadcast("", DocumentLockedEvent{Type: "document_locked", DocID: s.docID, UserID: c.userID})
	return nil
}

func (s *Session) handleStatus(c statusCmd) {
	m, ok := s.participants[c.connID]
	if !ok {
		return
	}
	if c.change.Status != "" {
		m.part.Status = c.change.Status
	}
	if c.change.Cursor != nil {
		m.part.Cursor = c.change.Cursor
	}
	m.part.LastSeen = time.Now()

	s.broadcast(c.connID, ParticipantStatusChangedEvent{
		Type:    "participant_status_changed",
		DocID:   s.docID,
		UserID:  m.part.UserID,
		Changes: c.change,
	})
}

// handleSnapshot resyncs one connection. A client that reports the revision
// it last confirmed gets the missing operations replayed in order, as long
// as the log ring still covers the gap; otherwise it gets the full state.
func (s *Session) handleSnapshot(c snapshotCmd) {
	m, ok := s.participants[c.connID]
	if !ok {
		return
	}

	current := s.log.Revision()
	if c.sinceRevision > 0 && c.sinceRevision <= current {
		if c.sinceRevision == current {
			return
		}
		missed := s.log.OpsSince(c.sinceRevision, 0)
		if len(missed) > 0 && missed[0].Revision == c.sinceRevision+1 {
			for _, applied := range missed {
				m.client.Enqueue(DocumentOperationEvent{
					Type:     "document_operation",
					DocID:    s.docID,
					Op:       applied.Op,
					Revision: applied.Revision,
					UserID:   applied.Op.UserID,
				})
			}
			return
		}
		// The ring evicted part of the gap, fall through to a full snapshot.
	}

	m.client.Enqueue(s.stateEvent())
}

func (s *Session) handleSave() error {
	if s.mgr.snapshots == nil {
		return nil
	}
	state := s.log.Snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.mgr.saveSnapshot(ctx, s.docID, state)
}

// stateEvent builds the full snapshot sent on join and resync.
func (s *Session) stateEvent() DocumentStateEvent {
	state := s.log.Snapshot()
	parts := make([]Participant, 0, len(s.participants))
	seen := make(map[uint64]bool, len(s.participants))
	for _, m := range s.participants {
		if seen[m.part.UserID] {
			continue
		}
		seen[m.part.UserID] = true
		state.ActiveUsers = append(state.ActiveUsers, m.part.UserID)
		parts = append(parts, m.part)
	}
	evt := DocumentStateEvent{Type: "document_state", State: state, Participants: parts}
	if holder, held := s.mgr.locks.Holder(s.key); held {
		evt.LockedBy = holder
	}
	return evt
}

// broadcast fans an event to every participant except the named connection.
func (s *Session) broadcast(exceptConnID string, evt any) {
	for connID, m := range s.participants {
		if connID == exceptConnID {
			continue
		}
		m.client.Enqueue(evt)
	}
}
