package ws

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabEngine/backend/internal/chat"
	"collabEngine/backend/internal/collab"
	"collabEngine/backend/internal/presence"
	"collabEngine/backend/internal/session"
)

// Conn is one client's duplex channel. The read loop dispatches inbound
// events, the write loop drains the buffered send queue; everything the
// engine pushes at the client goes through Enqueue, which drops rather than
// blocks when the client cannot keep up.
type Conn struct {
	ws  *websocket.Conn
	hub *Hub

	connID   string
	userID   uint64
	username string
	avatar   string

	send chan OutboundMessage
	done chan struct{}

	sessions *session.Manager
	chat     *chat.Manager
	tracker  presence.Tracker
	sem      *collab.SemaphoreControl

	// detector holds this connection's optimistic pending-operation table.
	detector *collab.Detector

	presenceTTL time.Duration

	// mu guards docs and channels: the read loop mutates them while session
	// actors and the pending loop read them.
	mu       sync.Mutex
	docs     map[string]string // doc id -> doc type, joined sessions
	channels map[string]struct{}
}

func NewConn(wsConn *websocket.Conn, hub *Hub, userID uint64, username, avatar string,
	sessions *session.Manager, chatMgr *chat.Manager, tracker presence.Tracker,
	sem *collab.SemaphoreControl, detector *collab.Detector, presenceTTL time.Duration) *Conn {
	return &Conn{
		ws:          wsConn,
		hub:         hub,
		connID:      uuid.NewString(),
		userID:      userID,
		username:    username,
		avatar:      avatar,
		send:        make(chan OutboundMessage, 32),
		done:        make(chan struct{}),
		sessions:    sessions,
		chat:        chatMgr,
		tracker:     tracker,
		sem:         sem,
		detector:    detector,
		presenceTTL: presenceTTL,
		docs:        make(map[string]string),
		channels:    make(map[string]struct{}),
	}
}

func (c *Conn) ConnID() string { return c.connID }

func (c *Conn) docTypeFor(docID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	docType, ok := c.docs[docID]
	return docType, ok
}

func (c *Conn) joinedDocs() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.docs))
	for id, t := range c.docs {
		out[id] = t
	}
	return out
}

func (c *Conn) inChannel(channelID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[channelID]
	return ok
}

// Enqueue puts a message on the send queue without ever blocking the
// caller; a slow consumer loses messages rather than stalling a session
// actor.
func (c *Conn) Enqueue(msg any) {
	out, ok := msg.(OutboundMessage)
	if !ok {
		return
	}
	select {
	case c.send <- out:
	case <-c.done:
	default:
		// queue full, drop
	}
}

// DeliverOperation runs conflict detection before the remote operation
// reaches the user: a collision with outstanding local edits raises a
// conflict instead of silently applying the remote.
func (c *Conn) DeliverOperation(docID string, op collab.EditOperation, revision uint64) {
	if conflict := c.detector.Detect(op); conflict != nil {
		c.Enqueue(ConflictDetectedEvent{Type: "conflict_detected", DocID: docID, Conflict: conflict})
		return
	}
	c.Enqueue(session.DocumentOperationEvent{
		Type: "document_operation", DocID: docID, Op: op, Revision: revision, UserID: op.UserID,
	})
}

func (c *Conn) AckOperation(docID, opID string, revision uint64) {
	c.detector.Ack(opID)
	c.Enqueue(session.OperationAckEvent{Type: "operation_ack", DocID: docID, OperationID: opID, Revision: revision})
}

func (c *Conn) RejectOperation(docID, opID string, err error) {
	c.detector.Reject(opID)
	c.Enqueue(session.OperationErrorEvent{Type: "operation_error", DocID: docID, OperationID: opID, Error: errCode(err)})
	if errors.Is(err, collab.ErrStaleRevision) {
		// The client must replay local intent onto a fresh snapshot.
		if docType, ok := c.docTypeFor(docID); ok {
			_ = c.sessions.RequestSnapshot(docType, docID, c.connID)
		}
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			log.Printf("read json error (user=%d conn=%s): %v", c.userID, c.connID, err)
			return
		}
		switch msg.Type {
		case "heartbeat":
			c.handleHeartbeat(ctx)

		case "join_document":
			c.handleJoinDocument(ctx, msg)

		case "leave_document":
			if docType, ok := c.docTypeFor(msg.DocID); ok {
				c.mu.Lock()
				delete(c.docs, msg.DocID)
				c.mu.Unlock()
				if err := c.sessions.Leave(ctx, docType, msg.DocID, c.connID); err != nil {
					log.Printf("leave document error doc=%s: %v", msg.DocID, err)
				}
			}

		case "document_operation":
			c.handleOperation(ctx, msg)

		case "document_lock":
			if docType, ok := c.docTypeFor(msg.DocID); ok {
				if err := c.sessions.Lock(ctx, docType, msg.DocID, c.connID, c.userID); err != nil {
					c.Enqueue(ErrorMessage{Type: "error", Code: errCode(err), DocID: msg.DocID})
				}
			}

		case "document_unlock":
			if docType, ok := c.docTypeFor(msg.DocID); ok {
				if err := c.sessions.Unlock(ctx, docType, msg.DocID, c.connID, c.userID); err != nil {
					c.Enqueue(ErrorMessage{Type: "error", Code: errCode(err), DocID: msg.DocID})
				}
			}

		case "update_status":
			if docType, ok := c.docTypeFor(msg.DocID); ok {
				change := session.StatusChange{Status: msg.Status, Cursor: msg.Cursor}
				_ = c.sessions.UpdateStatus(docType, msg.DocID, c.connID, change)
			}

		case "resync":
			if docType, ok := c.docTypeFor(msg.DocID); ok {
				if msg.BaseRevision > 0 {
					_ = c.sessions.CatchUp(docType, msg.DocID, c.connID, msg.BaseRevision)
				} else {
					_ = c.sessions.RequestSnapshot(docType, msg.DocID, c.connID)
				}
			}

		case "save_document":
			if docType, ok := c.docTypeFor(msg.DocID); ok {
				if err := c.sessions.SaveSnapshot(ctx, docType, msg.DocID); err != nil {
					c.Enqueue(ErrorMessage{Type: "error", Code: errCode(err), DocID: msg.DocID})
				}
			}

		case "resolve_conflict":
			c.handleResolveConflict(msg)

		case "join_chat":
			if msg.ChannelID != "" {
				c.mu.Lock()
				c.channels[msg.ChannelID] = struct{}{}
				c.mu.Unlock()
				c.chat.Join(msg.ChannelID, c)
			}

		case "leave_chat":
			c.mu.Lock()
			delete(c.channels, msg.ChannelID)
			c.mu.Unlock()
			c.chat.Leave(msg.ChannelID, c)

		case "send_message":
			if c.inChannel(msg.ChannelID) {
				c.chat.SendMessage(msg.ChannelID, c.userID, c.username, msg.Content, msg.Kind, msg.Metadata)
			} else {
				c.Enqueue(ErrorMessage{Type: "error", Code: "UNAUTHORIZED"})
			}

		case "typing_start":
			if c.inChannel(msg.ChannelID) {
				c.chat.StartTyping(msg.ChannelID, c, c.userID, c.username)
			}

		case "typing_stop":
			if c.inChannel(msg.ChannelID) {
				c.chat.StopTyping(msg.ChannelID, c, c.userID)
			}

		case "get_online_users":
			users, err := c.tracker.OnlineUsers(ctx)
			if err != nil {
				log.Printf("online users error: %v", err)
				continue
			}
			c.Enqueue(OnlineUsersEvent{Type: "online_users", Users: users})

		default:
			c.Enqueue(FeedbackMessage{Type: "feedback", Content: "unknown message type"})
		}
	}
}

func (c *Conn) handleHeartbeat(ctx context.Context) {
	member := presence.Member{UserID: c.userID, Username: c.username, Avatar: c.avatar}
	if err := c.tracker.UserOnline(ctx, member, c.presenceTTL); err != nil {
		log.Printf("presence refresh error user=%d: %v", c.userID, err)
	}
	for docID := range c.joinedDocs() {
		if err := c.tracker.JoinDocument(ctx, docID, member, c.presenceTTL); err != nil {
			log.Printf("presence refresh error doc=%s user=%d: %v", docID, c.userID, err)
		}
	}
	c.Enqueue(FeedbackMessage{Type: "feedback", Content: "heartbeat received"})
}

func (c *Conn) handleJoinDocument(ctx context.Context, msg ClientMessage) {
	if msg.DocID == "" || msg.DocType == "" {
		c.Enqueue(ErrorMessage{Type: "error", Code: "MALFORMED_OPERATION"})
		return
	}
	part := session.Participant{
		UserID:   c.userID,
		Username: c.username,
		Avatar:   c.avatar,
		Status:   session.StatusViewing,
	}
	if err := c.sessions.Join(ctx, msg.DocType, msg.DocID, c, part); err != nil {
		c.Enqueue(ErrorMessage{Type: "error", Code: errCode(err), DocID: msg.DocID})
		return
	}
	c.mu.Lock()
	c.docs[msg.DocID] = msg.DocType
	c.mu.Unlock()
}

func (c *Conn) handleOperation(ctx context.Context, msg ClientMessage) {
	docType, joined := c.docTypeFor(msg.DocID)
	if !joined || msg.Operation == nil {
		c.Enqueue(ErrorMessage{Type: "error", Code: "MALFORMED_OPERATION", DocID: msg.DocID})
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if err := c.sem.Acquire(opCtx); err != nil {
		c.Enqueue(ErrorMessage{Type: "error", Code: "BUSY", DocID: msg.DocID})
		return
	}
	defer c.sem.Release()

	op := *msg.Operation
	op.UserID = c.userID
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now()
	}

	if err := c.detector.Track(op); err != nil {
		// The field is blocked by an unresolved conflict.
		c.Enqueue(session.OperationErrorEvent{Type: "operation_error", DocID: msg.DocID, OperationID: op.ID, Error: errCode(err)})
		return
	}
	if err := c.sessions.Submit(docType, msg.DocID, c.connID, msg.BaseRevision, op); err != nil {
		c.detector.Reject(op.ID)
		c.Enqueue(session.OperationErrorEvent{Type: "operation_error", DocID: msg.DocID, OperationID: op.ID, Error: errCode(err)})
	}
}

func (c *Conn) handleResolveConflict(msg ClientMessage) {
	if msg.Resolution == nil {
		c.Enqueue(ErrorMessage{Type: "error", Code: "MALFORMED_OPERATION"})
		return
	}
	resolved, err := c.detector.Resolve(*msg.Resolution)
	if err != nil {
		c.Enqueue(ErrorMessage{Type: "error", Code: errCode(err), DocID: msg.DocID})
		return
	}

	resubmitted := false
	if resolved.Resubmit {
		// The chosen content diverges from server state: resubmit it as a
		// fresh update against the latest confirmed revision.
		if docType, ok := c.docTypeFor(msg.DocID); ok {
			if rev, ok := c.sessions.CurrentRevision(docType, msg.DocID); ok {
				op := collab.EditOperation{
					ID:        uuid.NewString(),
					Type:      collab.OpUpdate,
					Field:     resolved.Field,
					Value:     resolved.Value,
					UserID:    c.userID,
					Timestamp: time.Now(),
				}
				if err := c.detector.Track(op); err == nil {
					if err := c.sessions.Submit(docType, msg.DocID, c.connID, rev, op); err == nil {
						resubmitted = true
					} else {
						c.detector.Reject(op.ID)
					}
				}
			}
		}
	}
	c.Enqueue(ConflictResolvedEvent{
		Type:        "conflict_resolved",
		DocID:       msg.DocID,
		ConflictID:  msg.Resolution.ConflictID,
		Field:       resolved.Field,
		Value:       resolved.Value,
		Resubmitted: resubmitted,
	})
}

// pendingLoop watches the optimistic pending table. Operations that age out
// without an acknowledgment force a rollback-and-resync instead of silently
// clearing pending state.
func (c *Conn) pendingLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			expired := c.detector.Expired()
			if len(expired) == 0 {
				continue
			}
			ids := make([]string, len(expired))
			for i, op := range expired {
				ids[i] = op.ID
			}
			c.Enqueue(ResyncRequiredEvent{Type: "resync_required", ExpiredOps: ids})
			for docID, docType := range c.joinedDocs() {
				_ = c.sessions.RequestSnapshot(docType, docID, c.connID)
			}
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case msg := <-c.send:
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// errCode maps engine errors to wire codes. Engine sentinels already carry
// their code as the message.
func errCode(err error) string {
	switch {
	case errors.Is(err, collab.ErrStaleRevision),
		errors.Is(err, collab.ErrDuplicateOperation),
		errors.Is(err, collab.ErrMalformedOperation),
		errors.Is(err, collab.ErrLockConflict),
		errors.Is(err, collab.ErrUnauthorized),
		errors.Is(err, collab.ErrUnknownConflict),
		errors.Is(err, collab.ErrConflictPending),
		errors.Is(err, collab.ErrSessionClosed),
		errors.Is(err, collab.ErrSessionBacklog):
		return err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "TIMEOUT"
	default:
		return "INTERNAL"
	}
}
