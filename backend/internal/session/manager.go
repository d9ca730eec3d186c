package session

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"collabEngine/backend/internal/collab"
	"collabEngine/backend/internal/lock"
	"collabEngine/backend/internal/presence"
)

// SnapshotStore persists and restores document content. The engine is
// correct without one; it only loses cold-start content recovery.
type SnapshotStore interface {
	SaveDocumentSnapshot(ctx context.Context, docID string, rev uint64, content string) error
	LoadLatestSnapshot(ctx context.Context, docID string) (content string, rev uint64, err error)
}

type Options struct {
	// InboxSize bounds each session actor's mailbox.
	InboxSize int
	// RingCap bounds the per-document applied-operation ring.
	RingCap int
	// RevisionTolerance is how many revisions behind current a submission
	// may reference before it is rejected as stale. Zero means the default
	// of 1; a negative value means submissions must reference the current
	// revision exactly.
	RevisionTolerance int
	// EnforceLock upgrades the advisory lock to a mutex: while locked, the
	// applier rejects operations from non-holders.
	EnforceLock bool
	// IdleTTL is how long an empty session may linger before the janitor
	// retires it.
	IdleTTL time.Duration
	// PresenceTTL is the logical TTL for per-document presence entries.
	PresenceTTL time.Duration
}

func (o *Options) withDefaults() {
	if o.InboxSize <= 0 {
		o.InboxSize = 256
	}
	if o.RingCap <= 0 {
		o.RingCap = 1024
	}
	if o.RevisionTolerance == 0 {
		o.RevisionTolerance = 1
	}
	if o.IdleTTL <= 0 {
		o.IdleTTL = time.Minute
	}
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = 600 * time.Second
	}
}

// Manager owns the lifecycle of collaborative sessions: lazy creation on
// first join, command routing to the per-document actor, and retirement once
// the last participant is gone.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	locks      *lock.Manager
	tracker    presence.Tracker
	snapshots  SnapshotStore
	dispatcher *collab.KafkaDispatcher

	// sf dedupes concurrent cold snapshot loads for the same document.
	sf singleflight.Group

	opt Options
}

func NewManager(locks *lock.Manager, tracker presence.Tracker, snapshots SnapshotStore, dispatcher *collab.KafkaDispatcher, opt Options) *Manager {
	opt.withDefaults()
	return &Manager{
		sessions:   make(map[string]*Session),
		locks:      locks,
		tracker:    tracker,
		snapshots:  snapshots,
		dispatcher: dispatcher,
		opt:        opt,
	}
}

// Join registers a client with the session for (docType, docID), creating it
// lazily. The client receives a document_state snapshot; everyone else gets
// the join event. Idempotent per connection.
func (m *Manager) Join(ctx context.Context, docType, docID string, cl Client, part Participant) error {
	for {
		s, err := m.getOrCreate(ctx, docType, docID)
		if err != nil {
			return err
		}
		done := make(chan error, 1)
		if err := s.dispatch(joinCmd{client: cl, part: part, done: done}); err != nil {
			if err == collab.ErrSessionClosed {
				continue // retired between lookup and dispatch
			}
			return err
		}
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Leave removes the connection from the session. A leaving lock holder
// releases implicitly; an emptied session is retired.
func (m *Manager) Leave(ctx context.Context, docType, docID, connID string) error {
	s, ok := m.get(docType, docID)
	if !ok {
		return nil
	}
	done := make(chan error, 1)
	if err := s.dispatch(leaveCmd{connID: connID, done: done}); err != nil {
		return nil // closed or backlogged session has nothing to leave
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit hands an operation to the document's serialized apply path. The
// outcome comes back asynchronously on the client: AckOperation or
// RejectOperation, then DeliverOperation on every other participant.
func (m *Manager) Submit(docType, docID, connID string, baseRevision uint64, op collab.EditOperation) error {
	s, ok := m.get(docType, docID)
	if !ok {
		return collab.ErrSessionClosed
	}
	return s.dispatch(submitCmd{connID: connID, baseRevision: baseRevision, op: op})
}

// Lock requests the exclusive-edit lock for userID.
func (m *Manager) Lock(ctx context.Context, docType, docID, connID string, userID uint64) error {
	return m.lockCmd(ctx, docType, docID, connID, userID, false)
}

// Unlock releases the lock; only the holder may do so.
func (m *Manager) Unlock(ctx context.Context, docType, docID, connID string, userID uint64) error {
	return m.lockCmd(ctx, docType, docID, connID, userID, true)
}

func (m *Manager) lockCmd(ctx context.Context, docType, docID, connID string, userID uint64, unlock bool) error {
	s, ok := m.get(docType, docID)
	if !ok {
		return collab.ErrSessionClosed
	}
	done := make(chan error, 1)
	if err := s.dispatch(lockCmd{connID: connID, userID: userID, unlock: unlock, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdateStatus rebroadcasts a presence delta to the other participants.
func (m *Manager) UpdateStatus(docType, docID, connID string, change StatusChange) error {
	s, ok := m.get(docType, docID)
	if !ok {
		return collab.ErrSessionClosed
	}
	return s.dispatch(statusCmd{connID: connID, change: change})
}

// RequestSnapshot resends the current document_state to one connection,
// used for resync after a stale revision or pending-op timeout.
func (m *Manager) RequestSnapshot(docType, docID, connID string) error {
	s, ok := m.get(docType, docID)
	if !ok {
		return collab.ErrSessionClosed
	}
	return s.dispatch(snapshotCmd{connID: connID})
}

// CatchUp resyncs one connection from the revision it last confirmed,
// replaying the missed operations when the log still holds them and falling
// back to a full document_state when it does not.
func (m *Manager) CatchUp(docType, docID, connID string, sinceRevision uint64) error {
	s, ok := m.get(docType, docID)
	if !ok {
		return collab.ErrSessionClosed
	}
	return s.dispatch(snapshotCmd{connID: connID, sinceRevision: sinceRevision})
}

// SaveSnapshot persists the current content through the snapshot store.
func (m *Manager) SaveSnapshot(ctx context.Context, docType, docID string) error {
	s, ok := m.get(docType, docID)
	if !ok {
		return collab.ErrSessionClosed
	}
	done := make(chan error, 1)
	if err := s.dispatch(saveCmd{done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CurrentRevision reports the latest confirmed revision for a document.
func (m *Manager) CurrentRevision(docType, docID string) (uint64, bool) {
	s, ok := m.get(docType, docID)
	if !ok {
		return 0, false
	}
	return s.revision.Load(), true
}

func (m *Manager) get(docType, docID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionKey(docType, docID)]
	return s, ok
}

func (m *Manager) getOrCreate(ctx context.Context, docType, docID string) (*Session, error) {
	key := sessionKey(docType, docID)
	m.mu.Lock()
	if s, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	// Cold start: restore content outside the manager lock. singleflight
	// collapses a stampede of first joiners into one store read.
	tolerance := uint64(0)
	if m.opt.RevisionTolerance > 0 {
		tolerance = uint64(m.opt.RevisionTolerance)
	}
	oplog := collab.NewOpLog(docType, docID, collab.OpLogOptions{
		RingCap:   m.opt.RingCap,
		Tolerance: tolerance,
	})
	if m.snapshots != nil {
		type snap struct {
			content string
			rev     uint64
		}
		v, err, _ := m.sf.Do(key, func() (interface{}, error) {
			content, rev, err := m.snapshots.LoadLatestSnapshot(ctx, docID)
			return snap{content: content, rev: rev}, err
		})
		if err != nil {
			return nil, err
		}
		if sn := v.(snap); sn.content != "" {
			var content map[string]string
			if err := json.Unmarshal([]byte(sn.content), &content); err != nil {
				log.Printf("discard unreadable snapshot doc=%s rev=%d: %v", docID, sn.rev, err)
			} else {
				oplog.Restore(content, sn.rev)
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		return s, nil // lost the race, another joiner built it
	}
	s := newSession(m, docType, docID, oplog)
	m.sessions[key] = s
	return s, nil
}

// retire closes a session once it is empty and its mailbox is drained.
// Called by the actor after the last leave and by the idle janitor.
func (m *Manager) retire(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.partCount.Load() != 0 || len(s.inbox) != 0 {
		return
	}
	if m.sessions[s.key] != s {
		return
	}
	delete(m.sessions, s.key)
	m.locks.ForceRelease(s.key)
	s.closed = true
	close(s.inbox)
}

// SweepIdle retires empty sessions whose last activity predates the idle
// TTL. Exposed for tests; Start runs it periodically.
func (m *Manager) SweepIdle(now time.Time) int {
	m.mu.Lock()
	var idle []*Session
	for _, s := range m.sessions {
		if s.partCount.Load() == 0 && now.Sub(s.idleSince()) >= m.opt.IdleTTL {
			idle = append(idle, s)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		m.retire(s)
	}
	return len(idle)
}

// Start runs the idle-session janitor until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	interval := m.opt.IdleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				m.SweepIdle(now)
			}
		}
	}()
}

func (m *Manager) saveSnapshot(ctx context.Context, docID string, state collab.DocumentState) error {
	b, err := json.Marshal(state.Content)
	if err != nil {
		return err
	}
	return m.snapshots.SaveDocumentSnapshot(ctx, docID, state.Revision, string(b))
}

func (m *Manager) trackJoin(docID string, part Participant) {
	if m.tracker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	member := presence.Member{UserID: part.UserID, Username: part.Username, Avatar: part.Avatar}
	if err := m.tracker.JoinDocument(ctx, docID, member, m.opt.PresenceTTL); err != nil {
		log.Printf("presence join error doc=%s user=%d: %v", docID, part.UserID, err)
	}
}

func (m *Manager) trackLeave(docID string, userID uint64) {
	if m.tracker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.tracker.LeaveDocument(ctx, docID, userID); err != nil {
		log.Printf("presence leave error doc=%s user=%d: %v", docID, userID, err)
	}
}
