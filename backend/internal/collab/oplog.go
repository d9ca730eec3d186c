package collab

import "time"

// OpLog is the operation log and applier for one document. It is the single
// writer of the document content: it validates, applies, assigns revisions
// and remembers recent operations for catch-up and replay.
//
// OpLog is not safe for concurrent use. Every document is mutated through
// exactly one session actor, which is what makes the revision counter
// meaningful; the actor owns the log outright.
type OpLog struct {
	docID   string
	docType string

	revision     uint64
	fields       map[string]Buffer
	lastModified time.Time

	// opsRing keeps the most recent applied operations; the oldest entry is
	// evicted once ringCap is reached.
	opsRing []AppliedOp
	ringCap int
	// seenOps maps applied operation ids to their revision for idempotence.
	// Entries are evicted together with their ring slot.
	seenOps map[string]uint64

	// tolerance is how many revisions behind current a base revision may be
	// before the operation is rejected as stale.
	tolerance uint64

	now func() time.Time
}

type OpLogOptions struct {
	RingCap   int
	Tolerance uint64
	Now       func() time.Time
}

func NewOpLog(docType, docID string, opt OpLogOptions) *OpLog {
	if opt.RingCap <= 0 {
		opt.RingCap = 1024
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &OpLog{
		docID:     docID,
		docType:   docType,
		fields:    make(map[string]Buffer),
		opsRing:   make([]AppliedOp, 0, opt.RingCap),
		ringCap:   opt.RingCap,
		seenOps:   make(map[string]uint64),
		tolerance: opt.Tolerance,
		now:       opt.Now,
	}
}

// Restore seeds content and revision from a stored snapshot. Only valid
// before any operation has been applied.
func (l *OpLog) Restore(content map[string]string, revision uint64) {
	for field, text := range content {
		l.fields[field] = NewPieceTable(text)
	}
	l.revision = revision
}

func (l *OpLog) Revision() uint64 { return l.revision }

// Apply validates op against baseRevision and, on success, mutates the
// content, increments the revision by exactly one and appends to the log.
// On any error the content and revision are unchanged.
func (l *OpLog) Apply(op EditOperation, baseRevision uint64) (AppliedOp, error) {
	if err := op.Validate(); err != nil {
		return AppliedOp{}, err
	}
	if _, dup := l.seenOps[op.ID]; dup {
		return AppliedOp{}, ErrDuplicateOperation
	}
	// Accept the current revision or anything within the tolerance window
	// behind it. A base revision ahead of the server is equally unusable.
	if baseRevision > l.revision || l.revision-baseRevision > l.tolerance {
		return AppliedOp{}, ErrStaleRevision
	}

	if err := l.applyContent(op); err != nil {
		return AppliedOp{}, err
	}

	l.revision++
	l.lastModified = l.now()
	applied := AppliedOp{Op: op, Revision: l.revision, AppliedAt: l.lastModified}

	if len(l.opsRing) == l.ringCap {
		delete(l.seenOps, l.opsRing[0].Op.ID)
		copy(l.opsRing, l.opsRing[1:])
		l.opsRing = l.opsRing[:len(l.opsRing)-1]
	}
	l.opsRing = append(l.opsRing, applied)
	l.seenOps[op.ID] = applied.Revision

	return applied, nil
}

func (l *OpLog) applyContent(op EditOperation) error {
	switch op.Type {
	case OpInsert:
		buf, ok := l.fields[op.Field]
		if !ok {
			if op.Position != 0 {
				return ErrMalformedOperation
			}
			buf = NewPieceTable("")
			l.fields[op.Field] = buf
		}
		return buf.Insert(op.Position, op.Value)
	case OpDelete:
		buf, ok := l.fields[op.Field]
		if !ok {
			return ErrMalformedOperation
		}
		return buf.Delete(op.Position, op.Length)
	case OpUpdate:
		buf, ok := l.fields[op.Field]
		if !ok {
			buf = NewPieceTable("")
			l.fields[op.Field] = buf
		}
		buf.Replace(op.Value)
		return nil
	}
	return ErrMalformedOperation
}

// Content returns a copy of the field-keyed text.
func (l *OpLog) Content() map[string]string {
	out := make(map[string]string, len(l.fields))
	for field, buf := range l.fields {
		out[field] = buf.String()
	}
	return out
}

// Snapshot materializes the current DocumentState. Active users are owned by
// the session, which fills them in on top.
func (l *OpLog) Snapshot() DocumentState {
	return DocumentState{
		DocID:        l.docID,
		DocType:      l.docType,
		Content:      l.Content(),
		Revision:     l.revision,
		LastModified: l.lastModified,
	}
}

// OpsSince returns applied operations with revision > fromRevision, oldest
// first, capped at limit when limit > 0. Used for catch-up after a resync.
func (l *OpLog) OpsSince(fromRevision uint64, limit int) []AppliedOp {
	var out []AppliedOp
	for _, applied := range l.opsRing {
		if applied.Revision > fromRevision {
			out = append(out, applied)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// Replay rebuilds document content by applying ops in order from revision 0.
// For any accepted log this reproduces the final content exactly.
func Replay(docType, docID string, ops []EditOperation) (map[string]string, error) {
	l := NewOpLog(docType, docID, OpLogOptions{})
	for _, op := range ops {
		if _, err := l.Apply(op, l.revision); err != nil {
			return nil, err
		}
	}
	return l.Content(), nil
}
