package ws

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"collabEngine/backend/internal/chat"
	"collabEngine/backend/internal/collab"
	"collabEngine/backend/internal/presence"
	"collabEngine/backend/internal/session"
)

// upgrader allows local development origins only.
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

// Manager owns one connection's full lifecycle: upgrade, presence
// announcement, the read loop, and the teardown cascade when the socket
// drops.
type Manager struct {
	hub      *Hub
	sessions *session.Manager
	chat     *chat.Manager
	tracker  presence.Tracker
	sem      *collab.SemaphoreControl

	presenceTTL    time.Duration
	conflictWindow time.Duration
	pendingTTL     time.Duration
}

func NewManager(hub *Hub, sessions *session.Manager, chatMgr *chat.Manager,
	tracker presence.Tracker, sem *collab.SemaphoreControl,
	presenceTTL, conflictWindow, pendingTTL time.Duration) *Manager {
	return &Manager{
		hub:            hub,
		sessions:       sessions,
		chat:           chatMgr,
		tracker:        tracker,
		sem:            sem,
		presenceTTL:    presenceTTL,
		conflictWindow: conflictWindow,
		pendingTTL:     pendingTTL,
	}
}

func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetUint64("userId")
	username := c.GetString("username")
	avatar := c.Query("avatar")

	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer wsConn.Close()

	detector := collab.NewDetector(collab.DetectorOptions{Window: m.conflictWindow, PendingTTL: m.pendingTTL})
	conn := NewConn(wsConn, m.hub, userID, username, avatar,
		m.sessions, m.chat, m.tracker, m.sem, detector, m.presenceTTL)

	// Start the write loop first so everything queued below actually leaves.
	go conn.writeLoop()
	go conn.pendingLoop()

	conn.Enqueue(WelcomeMessage{Type: "welcome", ConnID: conn.connID, UserID: userID, Username: username})

	first := m.hub.Register(conn)
	member := presence.Member{UserID: userID, Username: username, Avatar: avatar}
	// UserOnline also refreshes the logical TTL, so every tab calls it; only
	// the first announces.
	if err := m.tracker.UserOnline(c.Request.Context(), member, m.presenceTTL); err != nil {
		log.Printf("presence online error user=%d: %v", userID, err)
	}
	if first {
		m.hub.Broadcast(conn, UserOnlineEvent{Type: "user_online", User: member})
	}

	conn.readLoop(c.Request.Context())

	m.teardown(conn, member)
}

// teardown unwinds everything the connection touched. It runs after the
// read loop returns, so no further inbound events can re-register state.
func (m *Manager) teardown(conn *Conn, member presence.Member) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for docID, docType := range conn.joinedDocs() {
		if err := m.sessions.Leave(ctx, docType, docID, conn.connID); err != nil {
			log.Printf("teardown leave error doc=%s conn=%s: %v", docID, conn.connID, err)
		}
	}
	m.chat.LeaveAll(conn, member.UserID)

	// Other tabs of the same user keep the user online; only the last
	// connection going away takes the user out of presence.
	if last := m.hub.Unregister(conn); last {
		if err := m.tracker.UserOffline(ctx, member.UserID); err != nil {
			log.Printf("presence offline error user=%d: %v", member.UserID, err)
		}
		m.hub.Broadcast(conn, UserOfflineEvent{Type: "user_offline", UserID: member.UserID})
	}

	close(conn.done)
}
