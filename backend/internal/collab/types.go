package collab

import "time"

type OpType string

const (
	OpInsert OpType = "insert"
	OpDelete OpType = "delete"
	OpUpdate OpType = "update"
)

// EditOperation is an atomic change proposal against one field of a document.
// The id is client-generated and unique; operations are immutable once
// created and are appended to the per-document log, never mutated.
type EditOperation struct {
	ID   string `json:"id"`
	Type OpType `json:"type"`
	// Field identifies the target field inside the document content map.
	Field string `json:"field"`
	// Value is the inserted text (insert) or the new field value (update).
	Value string `json:"value,omitempty"`
	// PrevValue is the field value the client saw before an update; used by
	// the conflict resolver, not by the applier.
	PrevValue string `json:"prevValue,omitempty"`
	// Position/Length address ordered text inside the field (insert/delete).
	Position  int       `json:"position,omitempty"`
	Length    int       `json:"length,omitempty"`
	UserID    uint64    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks the shape of the operation before it is allowed anywhere
// near document content.
func (op EditOperation) Validate() error {
	if op.ID == "" || op.Field == "" {
		return ErrMalformedOperation
	}
	switch op.Type {
	case OpInsert:
		if op.Position < 0 {
			return ErrMalformedOperation
		}
	case OpDelete:
		if op.Position < 0 || op.Length <= 0 {
			return ErrMalformedOperation
		}
	case OpUpdate:
		// full-field replace, no positional constraints
	default:
		return ErrMalformedOperation
	}
	return nil
}

// DocumentState is the authoritative, server-confirmed content snapshot. The
// single writer is the operation log; everything else gets copies.
type DocumentState struct {
	DocID        string            `json:"docId"`
	DocType      string            `json:"docType"`
	Content      map[string]string `json:"content"`
	Revision     uint64            `json:"revision"`
	ActiveUsers  []uint64          `json:"activeUsers"`
	LastModified time.Time         `json:"lastModified"`
}

// AppliedOp records one accepted operation together with the revision the
// document reached by applying it.
type AppliedOp struct {
	Op        EditOperation `json:"op"`
	Revision  uint64        `json:"revision"`
	AppliedAt time.Time     `json:"appliedAt"`
}
