package presence

import (
	"context"
	"testing"
	"time"
)

func TestMemoryTracker_OnlineOffline(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTracker()

	alice := Member{UserID: 1, Username: "alice"}
	bob := Member{UserID: 2, Username: "bob"}

	if err := tr.UserOnline(ctx, bob, time.Minute); err != nil {
		t.Fatalf("UserOnline() error = %v", err)
	}
	if err := tr.UserOnline(ctx, alice, time.Minute); err != nil {
		t.Fatalf("UserOnline() error = %v", err)
	}

	users, err := tr.OnlineUsers(ctx)
	if err != nil {
		t.Fatalf("OnlineUsers() error = %v", err)
	}
	if len(users) != 2 || users[0].UserID != 1 || users[1].UserID != 2 {
		t.Fatalf("OnlineUsers() = %+v, want [alice bob] ordered by id", users)
	}

	if err := tr.UserOffline(ctx, 1); err != nil {
		t.Fatalf("UserOffline() error = %v", err)
	}
	users, _ = tr.OnlineUsers(ctx)
	if len(users) != 1 || users[0].UserID != 2 {
		t.Fatalf("OnlineUsers() after offline = %+v", users)
	}
}

func TestMemoryTracker_DocumentMembership(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTracker()

	alice := Member{UserID: 1, Username: "alice"}
	bob := Member{UserID: 2, Username: "bob"}

	for _, m := range []Member{alice, bob} {
		if err := tr.UserOnline(ctx, m, time.Minute); err != nil {
			t.Fatalf("UserOnline() error = %v", err)
		}
		if err := tr.JoinDocument(ctx, "doc-1", m, time.Minute); err != nil {
			t.Fatalf("JoinDocument() error = %v", err)
		}
	}
	if err := tr.JoinDocument(ctx, "doc-2", alice, time.Minute); err != nil {
		t.Fatalf("JoinDocument() error = %v", err)
	}

	members, err := tr.DocumentMembers(ctx, "doc-1")
	if err != nil {
		t.Fatalf("DocumentMembers() error = %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("DocumentMembers(doc-1) = %+v, want 2 members", members)
	}

	if err := tr.LeaveDocument(ctx, "doc-1", 2); err != nil {
		t.Fatalf("LeaveDocument() error = %v", err)
	}
	members, _ = tr.DocumentMembers(ctx, "doc-1")
	if len(members) != 1 || members[0].UserID != 1 {
		t.Fatalf("DocumentMembers(doc-1) after leave = %+v", members)
	}
}

func TestMemoryTracker_OfflineLeavesAllDocuments(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTracker()

	alice := Member{UserID: 1, Username: "alice"}
	if err := tr.UserOnline(ctx, alice, time.Minute); err != nil {
		t.Fatalf("UserOnline() error = %v", err)
	}
	for _, docID := range []string{"doc-1", "doc-2"} {
		if err := tr.JoinDocument(ctx, docID, alice, time.Minute); err != nil {
			t.Fatalf("JoinDocument() error = %v", err)
		}
	}

	if err := tr.UserOffline(ctx, 1); err != nil {
		t.Fatalf("UserOffline() error = %v", err)
	}
	for _, docID := range []string{"doc-1", "doc-2"} {
		members, _ := tr.DocumentMembers(ctx, docID)
		if len(members) != 0 {
			t.Fatalf("DocumentMembers(%s) = %+v after offline, want empty", docID, members)
		}
	}
}
