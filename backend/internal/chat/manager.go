// Package chat is the channel layer: message broadcast plus ephemeral typing
// state. Messages are append-only, ordered by arrival, with no shared
// mutable field to conflict over, so there is no ack or conflict machinery.
package chat

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"collabEngine/backend/internal/collab"
)

type Client interface {
	ConnID() string
	Enqueue(msg any)
}

type MessageKind string

const (
	KindText   MessageKind = "text"
	KindFile   MessageKind = "file"
	KindSystem MessageKind = "system"
)

// Message is one chat entry. The id and created timestamp are assigned by
// the server; entries are never mutated afterwards except edit-marking
// metadata.
type Message struct {
	ID         string         `json:"id"`
	ChannelID  string         `json:"channelId"`
	AuthorID   uint64         `json:"authorId"`
	AuthorName string         `json:"authorName"`
	Content    string         `json:"content"`
	Kind       MessageKind    `json:"kind"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// MessageStore archives messages durably. Optional; the engine broadcasts
// regardless.
type MessageStore interface {
	Append(ctx context.Context, msg Message) error
	Recent(ctx context.Context, channelID string, limit int) ([]Message, error)
}

type typingEntry struct {
	username string
	expireAt time.Time
}

// Manager owns channel membership, the recent-message ring and the typing
// sets. Typing entries expire on their own after the idle timeout so a
// dropped connection never leaves a stuck indicator.
type Manager struct {
	mu     sync.RWMutex
	rooms  map[string]map[Client]struct{}
	typing map[string]map[uint64]typingEntry
	recent map[string][]Message

	store      MessageStore
	dispatcher *collab.KafkaDispatcher

	idleTimeout time.Duration
	recentCap   int
	now         func() time.Time
}

type Options struct {
	// TypingIdleTimeout is how long a typing indicator survives without a
	// refresh. Default 1s.
	TypingIdleTimeout time.Duration
	// RecentCap bounds the per-channel in-memory message ring. Default 100.
	RecentCap int
	Now       func() time.Time
}

func NewManager(store MessageStore, dispatcher *collab.KafkaDispatcher, opt Options) *Manager {
	if opt.TypingIdleTimeout <= 0 {
		opt.TypingIdleTimeout = time.Second
	}
	if opt.RecentCap <= 0 {
		opt.RecentCap = 100
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Manager{
		rooms:       make(map[string]map[Client]struct{}),
		typing:      make(map[string]map[uint64]typingEntry),
		recent:      make(map[string][]Message),
		store:       store,
		dispatcher:  dispatcher,
		idleTimeout: opt.TypingIdleTimeout,
		recentCap:   opt.RecentCap,
		now:         opt.Now,
	}
}

// Join subscribes a connection to a channel and replays recent history: the
// in-memory ring when warm, the archive when the process has no messages for
// the channel yet.
func (m *Manager) Join(channelID string, c Client) {
	m.mu.Lock()
	if m.rooms[channelID] == nil {
		m.rooms[channelID] = make(map[Client]struct{})
	}
	m.rooms[channelID][c] = struct{}{}
	history := append([]Message(nil), m.recent[channelID]...)
	m.mu.Unlock()

	if len(history) == 0 && m.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		archived, err := m.store.Recent(ctx, channelID, m.recentCap)
		cancel()
		if err != nil {
			log.Printf("chat history load error channel=%s: %v", channelID, err)
		} else if len(archived) > 0 {
			history = archived
			// Seed the ring so the next joiner is served from memory.
			m.mu.Lock()
			if len(m.recent[channelID]) == 0 {
				m.recent[channelID] = append([]Message(nil), archived...)
			}
			m.mu.Unlock()
		}
	}

	if len(history) > 0 {
		c.Enqueue(ChatHistoryEvent{Type: "chat_history", ChannelID: channelID, Messages: history})
	}
}

// Leave unsubscribes a connection from one channel.
func (m *Manager) Leave(channelID string, c Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conns, ok := m.rooms[channelID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(m.rooms, channelID)
		}
	}
}

// LeaveAll is the disconnect cascade: drop the connection from every channel
// and implicitly stop typing wherever the user was typing.
func (m *Manager) LeaveAll(c Client, userID uint64) {
	m.mu.Lock()
	var stopped []string
	for channelID, conns := range m.rooms {
		if _, ok := conns[c]; !ok {
			continue
		}
		delete(conns, c)
		if len(conns) == 0 {
			delete(m.rooms, channelID)
		}
		if entries, ok := m.typing[channelID]; ok {
			if _, typing := entries[userID]; typing {
				delete(entries, userID)
				stopped = append(stopped, channelID)
			}
		}
	}
	m.mu.Unlock()

	for _, channelID := range stopped {
		m.broadcast(channelID, nil, UserStoppedTypingEvent{
			Type: "user_stopped_typing", ChannelID: channelID, UserID: userID,
		})
	}
}

// SendMessage appends a message and broadcasts it to every channel member,
// the author included (arrival order is the only order there is).
func (m *Manager) SendMessage(channelID string, authorID uint64, authorName, content string, kind MessageKind, metadata map[string]any) Message {
	if kind == "" {
		kind = KindText
	}
	now := m.now()
	msg := Message{
		ID:         uuid.NewString(),
		ChannelID:  channelID,
		AuthorID:   authorID,
		AuthorName: authorName,
		Content:    content,
		Kind:       kind,
		Metadata:   metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	m.mu.Lock()
	ring := append(m.recent[channelID], msg)
	if len(ring) > m.recentCap {
		ring = ring[len(ring)-m.recentCap:]
	}
	m.recent[channelID] = ring
	m.mu.Unlock()

	m.broadcast(channelID, nil, NewMessageEvent{Type: "new_message", Message: msg})

	if m.store != nil {
		// Archive off the broadcast path; chat needs no durability for
		// engine correctness.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := m.store.Append(ctx, msg); err != nil {
				log.Printf("archive message error channel=%s id=%s: %v", channelID, msg.ID, err)
			}
		}()
	}
	if m.dispatcher != nil {
		m.dispatcher.TryEnqueue(collab.ChatMessageEvent{
			EventType:  "MESSAGE_SENT",
			ChannelID:  channelID,
			MessageID:  msg.ID,
			AuthorID:   authorID,
			AuthorName: authorName,
			Content:    content,
			Kind:       string(kind),
			Metadata:   metadata,
			CreatedAt:  now,
		})
	}
	return msg
}

// StartTyping marks the user as typing and notifies everyone else in the
// channel. Calling it again refreshes the expiry.
func (m *Manager) StartTyping(channelID string, c Client, userID uint64, username string) {
	m.mu.Lock()
	if m.typing[channelID] == nil {
		m.typing[channelID] = make(map[uint64]typingEntry)
	}
	_, already := m.typing[channelID][userID]
	m.typing[channelID][userID] = typingEntry{username: username, expireAt: m.now().Add(m.idleTimeout)}
	m.mu.Unlock()

	if !already {
		m.broadcast(channelID, c, UserTypingEvent{
			Type: "user_typing", ChannelID: channelID, UserID: userID, Username: username,
		})
	}
}

// StopTyping clears the indicator explicitly.
func (m *Manager) StopTyping(channelID string, c Client, userID uint64) {
	m.mu.Lock()
	entries, ok := m.typing[channelID]
	if ok {
		_, ok = entries[userID]
		delete(entries, userID)
		if len(entries) == 0 {
			delete(m.typing, channelID)
		}
	}
	m.mu.Unlock()

	if ok {
		m.broadcast(channelID, c, UserStoppedTypingEvent{
			Type: "user_stopped_typing", ChannelID: channelID, UserID: userID,
		})
	}
}

// Sweep expires idle typing entries and broadcasts the implicit stop.
// Exposed for tests; Start runs it periodically.
func (m *Manager) Sweep(now time.Time) {
	type expired struct {
		channelID string
		userID    uint64
	}
	m.mu.Lock()
	var gone []expired
	for channelID, entries := range m.typing {
		for userID, e := range entries {
			if now.After(e.expireAt) {
				delete(entries, userID)
				gone = append(gone, expired{channelID: channelID, userID: userID})
			}
		}
		if len(entries) == 0 {
			delete(m.typing, channelID)
		}
	}
	m.mu.Unlock()

	for _, g := range gone {
		m.broadcast(g.channelID, nil, UserStoppedTypingEvent{
			Type: "user_stopped_typing", ChannelID: g.channelID, UserID: g.userID,
		})
	}
}

// Start runs the typing janitor until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	interval := m.idleTimeout / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				m.Sweep(now)
			}
		}
	}()
}

// Typing reports who is currently typing in a channel.
func (m *Manager) Typing(channelID string) []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uint64, 0, len(m.typing[channelID]))
	for userID := range m.typing[channelID] {
		out = append(out, userID)
	}
	return out
}

func (m *Manager) broadcast(channelID string, except Client, evt any) {
	m.mu.RLock()
	conns := make([]Client, 0, len(m.rooms[channelID]))
	for c := range m.rooms[channelID] {
		if c == except {
			continue
		}
		conns = append(conns, c)
	}
	m.mu.RUnlock()
	for _, c := range conns {
		c.Enqueue(evt)
	}
}
