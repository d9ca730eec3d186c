package collab

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func newTestDetector(clk *fakeClock) *Detector {
	return NewDetector(DetectorOptions{Window: time.Second, PendingTTL: 10 * time.Second, Now: clk.now})
}

func TestDetector_NoConflictOnDistinctFields(t *testing.T) {
	clk := newFakeClock()
	d := newTestDetector(clk)

	local := EditOperation{ID: "l1", Type: OpUpdate, Field: "title", Value: "mine", UserID: 1, Timestamp: clk.now()}
	if err := d.Track(local); err != nil {
		t.Fatalf("Track() error = %v", err)
	}

	remote := EditOperation{ID: "r1", Type: OpUpdate, Field: "body", Value: "theirs", UserID: 2, Timestamp: clk.now()}
	if c := d.Detect(remote); c != nil {
		t.Fatalf("Detect() = %+v, want nil for distinct fields", c)
	}
}

func TestDetector_ConflictInsideWindow(t *testing.T) {
	clk := newFakeClock()
	d := newTestDetector(clk)

	local := EditOperation{ID: "l1", Type: OpUpdate, Field: "title", Value: "mine", PrevValue: "base", UserID: 1, Timestamp: clk.now()}
	if err := d.Track(local); err != nil {
		t.Fatalf("Track() error = %v", err)
	}

	clk.advance(500 * time.Millisecond)
	remote := EditOperation{ID: "r1", Type: OpUpdate, Field: "title", Value: "theirs", PrevValue: "base", UserID: 2, Timestamp: clk.now()}
	c := d.Detect(remote)
	if c == nil {
		t.Fatalf("Detect() = nil, want conflict")
	}
	if c.Status != ConflictUnresolved {
		t.Fatalf("Status = %q, want unresolved", c.Status)
	}
	if len(c.Local) != 1 || c.Local[0].ID != "l1" {
		t.Fatalf("Local = %+v", c.Local)
	}
	if len(c.Remote) != 1 || c.Remote[0].ID != "r1" {
		t.Fatalf("Remote = %+v", c.Remote)
	}
	if !d.Blocked("title") {
		t.Fatalf("field not blocked after conflict")
	}
}

func TestDetector_NoConflictOutsideWindow(t *testing.T) {
	clk := newFakeClock()
	d := newTestDetector(clk)

	local := EditOperation{ID: "l1", Type: OpUpdate, Field: "title", Value: "mine", UserID: 1, Timestamp: clk.now()}
	if err := d.Track(local); err != nil {
		t.Fatalf("Track() error = %v", err)
	}

	clk.advance(2 * time.Second)
	remote := EditOperation{ID: "r1", Type: OpUpdate, Field: "title", Value: "theirs", UserID: 2, Timestamp: clk.now()}
	if c := d.Detect(remote); c != nil {
		t.Fatalf("Detect() = %+v, want nil outside proximity window", c)
	}
}

func TestDetector_AckClearsPending(t *testing.T) {
	clk := newFakeClock()
	d := newTestDetector(clk)

	local := EditOperation{ID: "l1", Type: OpUpdate, Field: "title", Value: "mine", UserID: 1, Timestamp: clk.now()}
	if err := d.Track(local); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	d.Ack("l1")

	remote := EditOperation{ID: "r1", Type: OpUpdate, Field: "title", Value: "theirs", UserID: 2, Timestamp: clk.now()}
	if c := d.Detect(remote); c != nil {
		t.Fatalf("Detect() = %+v, want nil after ack", c)
	}
}

func TestDetector_RepeatedRemoteFoldsIntoConflict(t *testing.T) {
	clk := newFakeClock()
	d := newTestDetector(clk)

	if err := d.Track(EditOperation{ID: "l1", Type: OpUpdate, Field: "title", Value: "mine", UserID: 1, Timestamp: clk.now()}); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	first := d.Detect(EditOperation{ID: "r1", Type: OpUpdate, Field: "title", Value: "v1", UserID: 2, Timestamp: clk.now()})
	second := d.Detect(EditOperation{ID: "r2", Type: OpUpdate, Field: "title", Value: "v2", UserID: 2, Timestamp: clk.now()})

	if first == nil || second == nil {
		t.Fatalf("Detect() returned nil conflict")
	}
	if first.ID != second.ID {
		t.Fatalf("repeat remote created new conflict: %s vs %s", first.ID, second.ID)
	}
	if len(second.Remote) != 2 {
		t.Fatalf("Remote len = %d, want 2", len(second.Remote))
	}
}

func TestDetector_TrackBlockedField(t *testing.T) {
	clk := newFakeClock()
	d := newTestDetector(clk)

	if err := d.Track(EditOperation{ID: "l1", Type: OpUpdate, Field: "title", Value: "mine", UserID: 1, Timestamp: clk.now()}); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	if c := d.Detect(EditOperation{ID: "r1", Type: OpUpdate, Field: "title", Value: "theirs", UserID: 2, Timestamp: clk.now()}); c == nil {
		t.Fatalf("expected conflict")
	}

	err := d.Track(EditOperation{ID: "l2", Type: OpUpdate, Field: "title", Value: "more", UserID: 1, Timestamp: clk.now()})
	if !errors.Is(err, ErrConflictPending) {
		t.Fatalf("Track() on blocked field error = %v, want ErrConflictPending", err)
	}
	// Other fields stay editable.
	if err := d.Track(EditOperation{ID: "l3", Type: OpUpdate, Field: "body", Value: "ok", UserID: 1, Timestamp: clk.now()}); err != nil {
		t.Fatalf("Track() on free field error = %v", err)
	}
}

func TestDetector_ResolveAcceptRemote(t *testing.T) {
	clk := newFakeClock()
	d := newTestDetector(clk)

	if err := d.Track(EditOperation{ID: "l1", Type: OpUpdate, Field: "title", Value: "mine", PrevValue: "base", UserID: 1, Timestamp: clk.now()}); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	c := d.Detect(EditOperation{ID: "r1", Type: OpUpdate, Field: "title", Value: "theirs", PrevValue: "base", UserID: 2, Timestamp: clk.now().Add(time.Millisecond)})
	if c == nil {
		t.Fatalf("expected conflict")
	}

	resolved, err := d.Resolve(Resolution{ConflictID: c.ID, Kind: ResolutionAcceptRemote})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if resolved.Value != "theirs" {
		t.Fatalf("resolved value = %q, want %q", resolved.Value, "theirs")
	}
	if resolved.Resubmit {
		t.Fatalf("accept_remote must not resubmit")
	}
	if d.Blocked("title") {
		t.Fatalf("field still blocked after resolution")
	}
}

func TestDetector_ResolveAcceptLocal(t *testing.T) {
	clk := newFakeClock()
	d := newTestDetector(clk)

	if err := d.Track(EditOperation{ID: "l1", Type: OpUpdate, Field: "title", Value: "mine", PrevValue: "base", UserID: 1, Timestamp: clk.now()}); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	c := d.Detect(EditOperation{ID: "r1", Type: OpUpdate, Field: "title", Value: "theirs", PrevValue: "base", UserID: 2, Timestamp: clk.now()})
	if c == nil {
		t.Fatalf("expected conflict")
	}

	resolved, err := d.Resolve(Resolution{ConflictID: c.ID, Kind: ResolutionAcceptLocal})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if resolved.Value != "mine" {
		t.Fatalf("resolved value = %q, want %q", resolved.Value, "mine")
	}
	if !resolved.Resubmit {
		t.Fatalf("accept_local must resubmit")
	}
}

func TestDetector_ResolveManual(t *testing.T) {
	clk := newFakeClock()
	d := newTestDetector(clk)

	if err := d.Track(EditOperation{ID: "l1", Type: OpUpdate, Field: "title", Value: "mine", UserID: 1, Timestamp: clk.now()}); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	c := d.Detect(EditOperation{ID: "r1", Type: OpUpdate, Field: "title", Value: "theirs", UserID: 2, Timestamp: clk.now()})
	if c == nil {
		t.Fatalf("expected conflict")
	}

	resolved, err := d.Resolve(Resolution{ConflictID: c.ID, Kind: ResolutionManual, Value: "merged by hand"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if resolved.Value != "merged by hand" {
		t.Fatalf("resolved value = %q", resolved.Value)
	}
}

func TestDetector_ResolveUnknownConflict(t *testing.T) {
	clk := newFakeClock()
	d := newTestDetector(clk)

	_, err := d.Resolve(Resolution{ConflictID: "nope", Kind: ResolutionAcceptRemote})
	if !errors.Is(err, ErrUnknownConflict) {
		t.Fatalf("Resolve() error = %v, want ErrUnknownConflict", err)
	}
}

func TestDetector_ResolveIsIdempotentlyRejected(t *testing.T) {
	clk := newFakeClock()
	d := newTestDetector(clk)

	if err := d.Track(EditOperation{ID: "l1", Type: OpUpdate, Field: "title", Value: "mine", UserID: 1, Timestamp: clk.now()}); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	c := d.Detect(EditOperation{ID: "r1", Type: OpUpdate, Field: "title", Value: "theirs", UserID: 2, Timestamp: clk.now()})
	if _, err := d.Resolve(Resolution{ConflictID: c.ID, Kind: ResolutionAcceptRemote}); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	_, err := d.Resolve(Resolution{ConflictID: c.ID, Kind: ResolutionAcceptLocal})
	if !errors.Is(err, ErrUnknownConflict) {
		t.Fatalf("second Resolve() error = %v, want ErrUnknownConflict", err)
	}
}

func TestDetector_ResolutionDeterministic(t *testing.T) {
	// Same conflict inputs resolved twice produce the same value regardless
	// of the order operations were tracked in.
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	opA := EditOperation{ID: "a", Type: OpInsert, Field: "body", Value: "alpha ", Position: 0, UserID: 1, Timestamp: base}
	opB := EditOperation{ID: "b", Type: OpInsert, Field: "body", Value: "beta", Position: 0, UserID: 1, Timestamp: base}
	remote := EditOperation{ID: "r", Type: OpUpdate, Field: "body", Value: "server", PrevValue: "", UserID: 2, Timestamp: base.Add(time.Millisecond)}

	run := func(first, second EditOperation) string {
		clk := &fakeClock{t: base}
		d := newTestDetector(clk)
		if err := d.Track(first); err != nil {
			t.Fatalf("Track() error = %v", err)
		}
		if err := d.Track(second); err != nil {
			t.Fatalf("Track() error = %v", err)
		}
		c := d.Detect(remote)
		if c == nil {
			t.Fatalf("expected conflict")
		}
		resolved, err := d.Resolve(Resolution{ConflictID: c.ID, Kind: ResolutionAcceptLocal})
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		return resolved.Value
	}

	v1 := run(opA, opB)
	v2 := run(opB, opA)
	if v1 != v2 {
		t.Fatalf("resolution depends on tracking order: %q vs %q", v1, v2)
	}
	if v1 != "betaalpha " {
		t.Fatalf("resolved value = %q, want %q", v1, "betaalpha ")
	}
}

func TestDetector_Expired(t *testing.T) {
	clk := newFakeClock()
	d := newTestDetector(clk)

	if err := d.Track(EditOperation{ID: "l1", Type: OpUpdate, Field: "title", Value: "mine", UserID: 1, Timestamp: clk.now()}); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	if got := d.Expired(); len(got) != 0 {
		t.Fatalf("Expired() = %d ops before deadline", len(got))
	}

	clk.advance(11 * time.Second)
	expired := d.Expired()
	if len(expired) != 1 || expired[0].ID != "l1" {
		t.Fatalf("Expired() = %+v, want [l1]", expired)
	}
	// Expiry removes the op from the table.
	if got := d.Expired(); len(got) != 0 {
		t.Fatalf("Expired() returned ops twice")
	}
}

func TestDetector_DetectReturnsDetachedConflict(t *testing.T) {
	clk := newFakeClock()
	d := newTestDetector(clk)

	if err := d.Track(EditOperation{ID: "l1", Type: OpUpdate, Field: "title", Value: "mine", UserID: 1, Timestamp: clk.now()}); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	first := d.Detect(EditOperation{ID: "r1", Type: OpUpdate, Field: "title", Value: "v1", UserID: 2, Timestamp: clk.now()})
	if first == nil {
		t.Fatalf("Detect() = nil, want conflict")
	}

	// Folding a second remote must not reach back into the copy the first
	// caller already holds.
	second := d.Detect(EditOperation{ID: "r2", Type: OpUpdate, Field: "title", Value: "v2", UserID: 2, Timestamp: clk.now()})
	if len(first.Remote) != 1 {
		t.Fatalf("earlier conflict copy grew to %d remotes", len(first.Remote))
	}
	if len(second.Remote) != 2 {
		t.Fatalf("folded conflict has %d remotes, want 2", len(second.Remote))
	}

	// Nor does resolution: the caller's copy stays as detected.
	if _, err := d.Resolve(Resolution{ConflictID: first.ID, Kind: ResolutionAcceptRemote}); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if first.Status != ConflictUnresolved || len(first.Local) != 1 {
		t.Fatalf("caller copy mutated by Resolve: %+v", first)
	}
}

func TestDetector_ConflictEncodesDuringConcurrentDetect(t *testing.T) {
	clk := newFakeClock()
	d := newTestDetector(clk)

	if err := d.Track(EditOperation{ID: "l1", Type: OpUpdate, Field: "title", Value: "mine", UserID: 1, Timestamp: clk.now()}); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	c := d.Detect(EditOperation{ID: "r0", Type: OpUpdate, Field: "title", Value: "v0", UserID: 2, Timestamp: clk.now()})
	if c == nil {
		t.Fatalf("Detect() = nil, want conflict")
	}

	// The returned conflict is marshaled by a write loop with no lock held
	// while further remotes keep folding into the detector's record.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			if _, err := json.Marshal(c); err != nil {
				t.Errorf("Marshal() error = %v", err)
				return
			}
		}
	}()
	for i := 0; i < 200; i++ {
		d.Detect(EditOperation{ID: fmt.Sprintf("r%d", i+1), Type: OpUpdate, Field: "title", Value: "v", UserID: 2, Timestamp: clk.now()})
	}
	<-done
}
