package collab

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type ConflictStatus string

const (
	ConflictUnresolved ConflictStatus = "unresolved"
	ConflictResolved   ConflictStatus = "resolved"
)

type ResolutionKind string

const (
	ResolutionAcceptLocal  ResolutionKind = "accept_local"
	ResolutionAcceptRemote ResolutionKind = "accept_remote"
	ResolutionMerge        ResolutionKind = "merge"
	ResolutionManual       ResolutionKind = "manual"
)

// Resolution is the decision that retires a conflict.
type Resolution struct {
	ConflictID string         `json:"conflictId"`
	Kind       ResolutionKind `json:"kind"`
	// KeepOps lists the operation ids that survive a merge.
	KeepOps []string `json:"keepOps,omitempty"`
	// Value is the explicit resolved value for manual resolutions.
	Value string `json:"value,omitempty"`
}

// Conflict is a detected collision between unacknowledged local operations
// and a delivered remote operation on the same field. While Status is
// unresolved, Local/Remote carry the colliding operation sets; once resolved,
// Resolution and ResolvedValue carry the outcome instead.
type Conflict struct {
	ID         string          `json:"conflictId"`
	Field      string          `json:"field"`
	Local      []EditOperation `json:"local,omitempty"`
	Remote     []EditOperation `json:"remote,omitempty"`
	DetectedAt time.Time       `json:"detectedAt"`
	Status     ConflictStatus  `json:"status"`

	Resolution    *Resolution `json:"resolution,omitempty"`
	ResolvedValue string      `json:"resolvedValue,omitempty"`
}

// clone detaches a conflict from the detector's live record so callers can
// encode or inspect it while the detector keeps folding remotes into the
// original under its own lock.
func (c *Conflict) clone() *Conflict {
	out := *c
	out.Local = append([]EditOperation(nil), c.Local...)
	out.Remote = append([]EditOperation(nil), c.Remote...)
	if c.Resolution != nil {
		r := *c.Resolution
		out.Resolution = &r
	}
	return &out
}

// ResolvedConflict is what Resolve hands back to the caller: the field's new
// local truth, and whether it diverges from server state and must therefore
// be resubmitted as a fresh operation.
type ResolvedConflict struct {
	Field    string
	Value    string
	Resubmit bool
}

type pendingOp struct {
	op          EditOperation
	submittedAt time.Time
	deadline    time.Time
}

// Detector keeps the optimistic pending-operation table for one client
// connection and raises conflicts when a delivered remote operation lands on
// a field with outstanding local edits inside the proximity window.
type Detector struct {
	mu sync.Mutex

	window     time.Duration
	pendingTTL time.Duration
	now        func() time.Time

	pending   map[string]pendingOp // op id -> outstanding local op
	conflicts map[string]*Conflict // conflict id -> unresolved conflict
	blocked   map[string]string    // field -> unresolved conflict id
}

type DetectorOptions struct {
	// Window is the time proximity within which a remote operation counts as
	// concurrent with an outstanding local one. Default 1s.
	Window time.Duration
	// PendingTTL bounds how long an operation may stay unacknowledged before
	// the client must roll back and resync. Default 10s.
	PendingTTL time.Duration
	Now        func() time.Time
}

func NewDetector(opt DetectorOptions) *Detector {
	if opt.Window <= 0 {
		opt.Window = time.Second
	}
	if opt.PendingTTL <= 0 {
		opt.PendingTTL = 10 * time.Second
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Detector{
		window:     opt.Window,
		pendingTTL: opt.PendingTTL,
		now:        opt.Now,
		pending:    make(map[string]pendingOp),
		conflicts:  make(map[string]*Conflict),
		blocked:    make(map[string]string),
	}
}

// Track records a locally submitted operation as outstanding until it is
// acknowledged or rejected. Returns ErrConflictPending when the field is
// blocked by an unresolved conflict.
func (d *Detector) Track(op EditOperation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.blocked[op.Field]; ok {
		return ErrConflictPending
	}
	now := d.now()
	d.pending[op.ID] = pendingOp{op: op, submittedAt: now, deadline: now.Add(d.pendingTTL)}
	return nil
}

// Ack clears an outstanding operation after the server confirmed it.
func (d *Detector) Ack(opID string) {
	d.mu.Lock()
	delete(d.pending, opID)
	d.mu.Unlock()
}

// Reject clears an outstanding operation the server refused.
func (d *Detector) Reject(opID string) {
	d.mu.Lock()
	delete(d.pending, opID)
	d.mu.Unlock()
}

// Expired removes and returns operations whose acknowledgment deadline has
// passed. A non-empty result means the client must resync from a snapshot.
func (d *Detector) Expired() []EditOperation {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	var out []EditOperation
	for id, p := range d.pending {
		if now.After(p.deadline) {
			out = append(out, p.op)
			delete(d.pending, id)
		}
	}
	sortOps(out)
	return out
}

// Blocked reports whether the field has an unresolved conflict.
func (d *Detector) Blocked(field string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.blocked[field]
	return ok
}

// Detect compares a delivered remote operation against the outstanding local
// set. It returns a Conflict when the remote targets a field with local
// operations submitted inside the proximity window, or nil when the remote
// can be applied as-is. Repeated remotes on an already conflicted field are
// folded into the existing conflict.
func (d *Detector) Detect(remote EditOperation) *Conflict {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cid, ok := d.blocked[remote.Field]; ok {
		c := d.conflicts[cid]
		c.Remote = append(c.Remote, remote)
		return c.clone()
	}

	now := d.now()
	var local []EditOperation
	for _, p := range d.pending {
		if p.op.Field == remote.Field && now.Sub(p.submittedAt) <= d.window {
			local = append(local, p.op)
		}
	}
	if len(local) == 0 {
		return nil
	}
	sortOps(local)

	c := &Conflict{
		ID:         uuid.NewString(),
		Field:      remote.Field,
		Local:      local,
		Remote:     []EditOperation{remote},
		DetectedAt: now,
		Status:     ConflictUnresolved,
	}
	d.conflicts[c.ID] = c
	d.blocked[c.Field] = c.ID
	// Callers get a detached copy: the live record keeps changing under the
	// lock as further remotes fold in, while the copy may be serialized on a
	// write loop with no lock held.
	return c.clone()
}

// Resolve applies a resolution decision to a pending conflict, retires it
// and unblocks the field. The computed value is a pure function of the
// conflict's operation sets and the resolution kind.
func (d *Detector) Resolve(res Resolution) (ResolvedConflict, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.conflicts[res.ConflictID]
	if !ok || c.Status != ConflictUnresolved {
		return ResolvedConflict{}, ErrUnknownConflict
	}

	value, err := resolveValue(c, res)
	if err != nil {
		return ResolvedConflict{}, err
	}

	c.Status = ConflictResolved
	c.Resolution = &res
	c.ResolvedValue = value
	c.Local = nil
	c.Remote = nil

	delete(d.conflicts, c.ID)
	delete(d.blocked, c.Field)

	// accept-remote leaves the field equal to server state; every other kind
	// diverges and must be resubmitted against the latest revision.
	return ResolvedConflict{
		Field:    c.Field,
		Value:    value,
		Resubmit: res.Kind != ResolutionAcceptRemote,
	}, nil
}

// resolveValue computes the post-resolution field value. Operations are
// ordered by (timestamp, id) before application so the outcome is identical
// across repeated runs.
func resolveValue(c *Conflict, res Resolution) (string, error) {
	switch res.Kind {
	case ResolutionAcceptLocal:
		return replayField(c.Local), nil
	case ResolutionAcceptRemote:
		return replayField(c.Remote), nil
	case ResolutionMerge:
		keep := make(map[string]bool, len(res.KeepOps))
		for _, id := range res.KeepOps {
			keep[id] = true
		}
		var ops []EditOperation
		for _, op := range append(append([]EditOperation{}, c.Local...), c.Remote...) {
			if keep[op.ID] {
				ops = append(ops, op)
			}
		}
		if len(ops) == 0 {
			return "", ErrMalformedOperation
		}
		return replayField(ops), nil
	case ResolutionManual:
		return res.Value, nil
	}
	return "", ErrMalformedOperation
}

// replayField applies ops over the base value they were made against. The
// base is the previous value recorded by the earliest update, or empty.
func replayField(ops []EditOperation) string {
	ordered := append([]EditOperation{}, ops...)
	sortOps(ordered)

	base := ""
	for _, op := range ordered {
		if op.Type == OpUpdate {
			base = op.PrevValue
			break
		}
	}
	buf := NewPieceTable(base)
	for _, op := range ordered {
		switch op.Type {
		case OpUpdate:
			buf.Replace(op.Value)
		case OpInsert:
			pos := op.Position
			if pos > buf.Len() {
				pos = buf.Len()
			}
			_ = buf.Insert(pos, op.Value)
		case OpDelete:
			pos, n := op.Position, op.Length
			if pos > buf.Len() {
				continue
			}
			if pos+n > buf.Len() {
				n = buf.Len() - pos
			}
			_ = buf.Delete(pos, n)
		}
	}
	return buf.String()
}

func sortOps(ops []EditOperation) {
	sort.Slice(ops, func(i, j int) bool {
		if !ops[i].Timestamp.Equal(ops[j].Timestamp) {
			return ops[i].Timestamp.Before(ops[j].Timestamp)
		}
		return ops[i].ID < ops[j].ID
	})
}
