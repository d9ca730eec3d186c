package collab

import "errors"

// Operation-level errors are returned to the submitting client only and are
// never broadcast. All of them leave the document state untouched.
var (
	// ErrStaleRevision: the operation's base revision is behind the current
	// revision by more than the tolerance window. Client must resync.
	ErrStaleRevision = errors.New("STALE_REVISION")
	// ErrDuplicateOperation: operation id was already applied.
	ErrDuplicateOperation = errors.New("DUPLICATE_OPERATION")
	// ErrMalformedOperation: missing required fields, unknown type, or a
	// position/length outside the target field's text.
	ErrMalformedOperation = errors.New("MALFORMED_OPERATION")
	// ErrLockConflict: lock requested (or, in strict mode, an edit submitted)
	// while another participant holds the lock.
	ErrLockConflict = errors.New("LOCK_CONFLICT")
	// ErrUnauthorized: identity may not join the session or channel.
	ErrUnauthorized = errors.New("UNAUTHORIZED")
	// ErrUnknownConflict: resolution referenced a conflict id that is not
	// pending (already resolved or never raised).
	ErrUnknownConflict = errors.New("UNKNOWN_CONFLICT")
	// ErrConflictPending: the field has an unresolved conflict; local
	// submissions on it are blocked until a resolution is applied.
	ErrConflictPending = errors.New("CONFLICT_PENDING")
	// ErrSessionClosed: the session was retired between lookup and dispatch.
	// Callers retry against a fresh session.
	ErrSessionClosed = errors.New("SESSION_CLOSED")
	// ErrSessionBacklog: the session's inbox is full; the command is rejected
	// outright instead of queueing indefinitely.
	ErrSessionBacklog = errors.New("SESSION_BACKLOG")
)
