package chat

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClient struct {
	id string

	mu     sync.Mutex
	events []any
}

func (c *fakeClient) ConnID() string { return c.id }

func (c *fakeClient) Enqueue(msg any) {
	c.mu.Lock()
	c.events = append(c.events, msg)
	c.mu.Unlock()
}

func (c *fakeClient) drain() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.events
	c.events = nil
	return out
}

func typingEvents(events []any) (started, stopped []uint64) {
	for _, e := range events {
		switch evt := e.(type) {
		case UserTypingEvent:
			started = append(started, evt.UserID)
		case UserStoppedTypingEvent:
			stopped = append(stopped, evt.UserID)
		}
	}
	return
}

func newTestManager(now func() time.Time) *Manager {
	return NewManager(nil, nil, Options{TypingIdleTimeout: time.Second, Now: now})
}

func TestManager_SendMessageBroadcast(t *testing.T) {
	m := newTestManager(time.Now)
	alice := &fakeClient{id: "c1"}
	bob := &fakeClient{id: "c2"}
	m.Join("room-1", alice)
	m.Join("room-1", bob)

	outsider := &fakeClient{id: "c3"}
	m.Join("room-2", outsider)

	msg := m.SendMessage("room-1", 1, "alice", "hello", KindText, nil)
	if msg.ID == "" {
		t.Fatalf("message id not assigned")
	}
	if msg.Kind != KindText {
		t.Fatalf("kind = %q, want text", msg.Kind)
	}

	for _, c := range []*fakeClient{alice, bob} {
		events := c.drain()
		if len(events) != 1 {
			t.Fatalf("%s received %d events, want 1", c.id, len(events))
		}
		evt, ok := events[0].(NewMessageEvent)
		if !ok {
			t.Fatalf("%s received %T, want NewMessageEvent", c.id, events[0])
		}
		if evt.Message.Content != "hello" || evt.Message.AuthorID != 1 {
			t.Fatalf("%s received %+v", c.id, evt.Message)
		}
	}
	if events := outsider.drain(); len(events) != 0 {
		t.Fatalf("outsider received %d events", len(events))
	}
}

func TestManager_JoinReplaysHistory(t *testing.T) {
	m := newTestManager(time.Now)
	alice := &fakeClient{id: "c1"}
	m.Join("room-1", alice)

	m.SendMessage("room-1", 1, "alice", "first", KindText, nil)
	m.SendMessage("room-1", 1, "alice", "second", KindText, nil)

	late := &fakeClient{id: "c2"}
	m.Join("room-1", late)

	events := late.drain()
	if len(events) != 1 {
		t.Fatalf("late joiner received %d events, want 1", len(events))
	}
	history, ok := events[0].(ChatHistoryEvent)
	if !ok {
		t.Fatalf("late joiner received %T, want ChatHistoryEvent", events[0])
	}
	if len(history.Messages) != 2 || history.Messages[0].Content != "first" || history.Messages[1].Content != "second" {
		t.Fatalf("history = %+v", history.Messages)
	}
}

func TestManager_DefaultKindIsText(t *testing.T) {
	m := newTestManager(time.Now)
	msg := m.SendMessage("room-1", 1, "alice", "hi", "", nil)
	if msg.Kind != KindText {
		t.Fatalf("kind = %q, want text", msg.Kind)
	}
}

func TestManager_TypingBroadcastOnce(t *testing.T) {
	m := newTestManager(time.Now)
	alice := &fakeClient{id: "c1"}
	bob := &fakeClient{id: "c2"}
	m.Join("room-1", alice)
	m.Join("room-1", bob)

	m.StartTyping("room-1", alice, 1, "alice")
	m.StartTyping("room-1", alice, 1, "alice") // refresh, no re-broadcast

	started, _ := typingEvents(bob.drain())
	if len(started) != 1 || started[0] != 1 {
		t.Fatalf("bob saw %v typing starts, want exactly one for user 1", started)
	}
	// The typer does not hear about their own typing.
	if started, _ := typingEvents(alice.drain()); len(started) != 0 {
		t.Fatalf("alice saw own typing start")
	}

	m.StopTyping("room-1", alice, 1)
	_, stopped := typingEvents(bob.drain())
	if len(stopped) != 1 || stopped[0] != 1 {
		t.Fatalf("bob saw %v typing stops, want [1]", stopped)
	}
	if got := m.Typing("room-1"); len(got) != 0 {
		t.Fatalf("Typing() = %v after stop", got)
	}
}

func TestManager_SweepExpiresTyping(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	m := newTestManager(func() time.Time { return clock })

	alice := &fakeClient{id: "c1"}
	bob := &fakeClient{id: "c2"}
	m.Join("room-1", alice)
	m.Join("room-1", bob)

	m.StartTyping("room-1", alice, 1, "alice")
	bob.drain()

	// Not yet expired.
	m.Sweep(now.Add(500 * time.Millisecond))
	if _, stopped := typingEvents(bob.drain()); len(stopped) != 0 {
		t.Fatalf("typing expired too early")
	}

	m.Sweep(now.Add(1500 * time.Millisecond))
	_, stopped := typingEvents(bob.drain())
	if len(stopped) != 1 || stopped[0] != 1 {
		t.Fatalf("bob saw %v typing stops after sweep, want [1]", stopped)
	}
	if got := m.Typing("room-1"); len(got) != 0 {
		t.Fatalf("Typing() = %v after expiry", got)
	}
}

func TestManager_RefreshPostponesExpiry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	m := newTestManager(func() time.Time { return clock })

	alice := &fakeClient{id: "c1"}
	bob := &fakeClient{id: "c2"}
	m.Join("room-1", alice)
	m.Join("room-1", bob)

	m.StartTyping("room-1", alice, 1, "alice")
	clock = now.Add(800 * time.Millisecond)
	m.StartTyping("room-1", alice, 1, "alice") // refresh at t+0.8s
	bob.drain()

	// Without the refresh this sweep would expire the entry.
	m.Sweep(now.Add(1500 * time.Millisecond))
	if _, stopped := typingEvents(bob.drain()); len(stopped) != 0 {
		t.Fatalf("refreshed typing entry expired")
	}
	m.Sweep(now.Add(2 * time.Second))
	if _, stopped := typingEvents(bob.drain()); len(stopped) != 1 {
		t.Fatalf("typing entry did not expire after refresh window")
	}
}

func TestManager_LeaveAllStopsTyping(t *testing.T) {
	m := newTestManager(time.Now)
	alice := &fakeClient{id: "c1"}
	bob := &fakeClient{id: "c2"}
	m.Join("room-1", alice)
	m.Join("room-1", bob)
	m.Join("room-2", alice)

	m.StartTyping("room-1", alice, 1, "alice")
	bob.drain()

	m.LeaveAll(alice, 1)

	_, stopped := typingEvents(bob.drain())
	if len(stopped) != 1 || stopped[0] != 1 {
		t.Fatalf("bob saw %v typing stops on disconnect, want [1]", stopped)
	}

	// Alice is really gone from every room.
	m.SendMessage("room-1", 2, "bob", "anyone?", KindText, nil)
	if events := alice.drain(); len(events) != 0 {
		t.Fatalf("disconnected client still receives events: %d", len(events))
	}
}

type fakeMessageStore struct {
	mu       sync.Mutex
	appended []Message
	archived map[string][]Message
	recent   int
}

func (s *fakeMessageStore) Append(_ context.Context, msg Message) error {
	s.mu.Lock()
	s.appended = append(s.appended, msg)
	s.mu.Unlock()
	return nil
}

func (s *fakeMessageStore) Recent(_ context.Context, channelID string, _ int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent++
	return append([]Message(nil), s.archived[channelID]...), nil
}

func (s *fakeMessageStore) recentCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recent
}

func TestManager_JoinColdChannelReplaysArchive(t *testing.T) {
	store := &fakeMessageStore{archived: map[string][]Message{
		"room-1": {
			{ID: "m1", ChannelID: "room-1", AuthorID: 1, Content: "first"},
			{ID: "m2", ChannelID: "room-1", AuthorID: 2, Content: "second"},
		},
	}}
	m := NewManager(store, nil, Options{})

	alice := &fakeClient{id: "c1"}
	m.Join("room-1", alice)

	events := alice.drain()
	if len(events) != 1 {
		t.Fatalf("joiner received %d events, want 1", len(events))
	}
	hist, ok := events[0].(ChatHistoryEvent)
	if !ok {
		t.Fatalf("joiner received %T, want ChatHistoryEvent", events[0])
	}
	if len(hist.Messages) != 2 || hist.Messages[0].ID != "m1" || hist.Messages[1].ID != "m2" {
		t.Fatalf("history = %+v", hist.Messages)
	}

	// The archive load seeded the ring: the next joiner is served from
	// memory without another store round trip.
	bob := &fakeClient{id: "c2"}
	m.Join("room-1", bob)
	if got := store.recentCalls(); got != 1 {
		t.Fatalf("store.Recent called %d times, want 1", got)
	}
	events = bob.drain()
	if len(events) != 1 {
		t.Fatalf("second joiner received %d events, want 1", len(events))
	}
	if hist, ok := events[0].(ChatHistoryEvent); !ok || len(hist.Messages) != 2 {
		t.Fatalf("second joiner history = %+v", events[0])
	}
}

func TestManager_JoinEmptyArchiveSendsNoHistory(t *testing.T) {
	store := &fakeMessageStore{archived: map[string][]Message{}}
	m := NewManager(store, nil, Options{})

	alice := &fakeClient{id: "c1"}
	m.Join("room-1", alice)
	if events := alice.drain(); len(events) != 0 {
		t.Fatalf("joiner received %d events on an empty channel, want 0", len(events))
	}
}
